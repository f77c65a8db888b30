package mcp

import (
	"context"
	"log/slog"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rpggio/storyloom/internal/domain/activity"
	"github.com/rpggio/storyloom/internal/domain/project"
	"github.com/rpggio/storyloom/internal/domain/screenplay"
	"github.com/rpggio/storyloom/internal/domain/session"
)

// SessionService defines the session operations needed by MCP.
type SessionService interface {
	Create(ctx context.Context, req project.CreateRequest) (*session.Orchestrator, error)
	Load(ctx context.Context, id string) (*session.Orchestrator, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]project.Summary, error)
}

// ScreenplayService defines the screenplay workflow steps needed by MCP.
type ScreenplayService interface {
	Get(ctx context.Context, r screenplay.Runner) (*screenplay.Document, error)
	Analyze(ctx context.Context, r screenplay.Runner) (*screenplay.ConceptsResponse, error)
	SelectConcept(ctx context.Context, r screenplay.Runner, index, durationMinutes int) (*screenplay.CharacterCardResponse, error)
	CreateBeatSheet(ctx context.Context, r screenplay.Runner) (*screenplay.BeatSheetResponse, error)
	UpdateBeatSheet(ctx context.Context, r screenplay.Runner, sheet screenplay.BeatSheet) (*screenplay.BeatSheet, error)
	CreateSceneOutlines(ctx context.Context, r screenplay.Runner) (*screenplay.SceneOutlinesResponse, error)
	WriteNextScene(ctx context.Context, r screenplay.Runner) (*screenplay.SceneResponse, error)
	WriteNextSceneStream(ctx context.Context, r screenplay.Runner, onDelta func(string)) (*screenplay.SceneResponse, error)
	ExpandScene(ctx context.Context, r screenplay.Runner, number int) (*screenplay.SceneResponse, error)
	ReviseScene(ctx context.Context, r screenplay.Runner, number int, notes string) (*screenplay.SceneResponse, error)
	ApproveScene(ctx context.Context, r screenplay.Runner, number int) (*screenplay.Scene, error)
	Optimize(ctx context.Context, r screenplay.Runner) (*screenplay.OptimizationReport, error)
	Finalize(ctx context.Context, r screenplay.Runner) (*screenplay.Document, error)
}

// ActivityService defines activity operations needed by MCP.
type ActivityService interface {
	GetRecentActivity(ctx context.Context, opts activity.ListActivityOptions) ([]activity.ActivityEntry, error)
}

// Services contains all domain services needed by MCP.
type Services struct {
	Sessions    SessionService
	Screenplays ScreenplayService
	Activity    ActivityService
}

// Config contains server configuration.
type Config struct {
	Services Services
	Logger   *slog.Logger
	// AllowPaths lets upload_source read files from the server's filesystem.
	// Leave it off when the server is reachable over HTTP.
	AllowPaths bool
}

// NewServer creates and configures an MCP server with all tools and middleware.
func NewServer(cfg Config) *sdkmcp.Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "storyloom",
		Version: "0.1.0",
	}, &sdkmcp.ServerOptions{
		Instructions: serverInstructions,
		Logger:       cfg.Logger,
	})

	registerDocResources(server)

	server.AddReceivingMiddleware(trafficLoggingMiddleware(cfg.Logger, "inbound"))
	server.AddReceivingMiddleware(projectLockMiddleware(newProjectLocks()))
	server.AddSendingMiddleware(trafficLoggingMiddleware(cfg.Logger, "outbound"))

	h := &handlers{svc: cfg.Services, allowPaths: cfg.AllowPaths, logger: cfg.Logger}
	registerTools(server, h)

	return server
}
