package mcp

import (
	"context"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverInstructions = `storyloom keeps long-running generation sessions over uploaded source material.

Model:
- Project: source material, settings and per-stage progress. Everything is persisted after each change.
- Stage: a named step of the workflow (analyze, outline, write, review). Each stage has its own model, thinking level and cache TTL.
- Cache: provider-side context holding the sources for one stage. Reused until it expires.
- Chat: one conversation per stage bound to that stage's cache. Chat history lives only in this process; after a restart the next call starts a fresh chat on the same cache and reports chat_recreated=true.
- Budget: estimated context size against a token ceiling, plus real usage reported by the provider.

Default flow:
1) create_project, then upload_source.
2) run_stage with your own prompt, or drive the screenplay_* tools in order:
   analyze, select_concept, beat_sheet, outline, write_scene (repeat), optimize, finalize.
3) get_status and get_budget_report to watch progress, caches and token use.

Docs:
- storyloom://docs/index
- storyloom://docs/caching
- storyloom://docs/errors
`

type docResource struct {
	URI         string
	Name        string
	Title       string
	Description string
	Content     string
}

var docResources = []docResource{
	{
		URI:         "storyloom://docs/index",
		Name:        "docs_index",
		Title:       "storyloom docs index",
		Description: "Entry point: tools by purpose and what to read next.",
		Content: `# storyloom docs

## Tools by purpose

- Projects: ` + "`create_project`, `list_projects`, `get_status`, `update_settings`, `delete_project`" + `
- Sources: ` + "`upload_source`" + ` (inline text or a server-side path)
- Stages: ` + "`run_stage`, `get_history`, `count_tokens`, `update_progress`" + `
- Caches: ` + "`extend_cache`, `delete_cache`" + `
- Budget: ` + "`get_budget_report`" + `
- Audit: ` + "`get_recent_activity`" + `
- Screenplay: ` + "`screenplay_analyze`, `screenplay_select_concept`, `screenplay_beat_sheet`, `screenplay_outline`, `screenplay_write_scene`, `screenplay_expand_scene`, `screenplay_revise_scene`, `screenplay_approve_scene`, `screenplay_optimize`, `screenplay_finalize`, `screenplay_get`" + `

## Read next

- ` + "`storyloom://docs/caching`" + ` for cache and chat lifetimes.
- ` + "`storyloom://docs/errors`" + ` for error codes and what to do about them.
`,
	},
	{
		URI:         "storyloom://docs/caching",
		Name:        "docs_caching",
		Title:       "Caches and chats",
		Description: "How stage caches and chats are created, reused and lost.",
		Content: `# Caches and chats

- The first run of a stage creates a provider cache with the project's sources and the stage's system instruction. Later runs reuse it while it is live.
- The cache TTL comes from the stage configuration; stages without one use the project's cache_ttl_seconds.
- ` + "`extend_cache`" + ` pushes the expiry out; ` + "`delete_cache`" + ` removes it. An expired cache is rebuilt on the next run and the result reports cache_created=true.
- Uploading a new source does not rebuild existing caches. Delete a stage cache to pick up new material.
- Chats are bound to their stage cache. Chat history is held in memory only: after a restart the first run of each stage starts a new chat (chat_recreated=true, message_count=1) and earlier turns are not visible to the model. The screenplay tools resend the context they need in every prompt.
`,
	},
	{
		URI:         "storyloom://docs/errors",
		Name:        "docs_errors",
		Title:       "Error codes",
		Description: "Tool error codes and recovery hints.",
		Content: `# Error codes

Tool errors are returned as JSON: ` + "`{\"code\", \"message\", \"recovery_hint\"}`" + `.

| Code | Meaning |
|---|---|
| PROJECT_NOT_FOUND | Unknown project ID. |
| CHAT_NOT_FOUND | No live chat for the stage in this process (history only). |
| SCHEMA_VIOLATION | Structured output did not match the schema. Usage was still recorded; retry. |
| CAPACITY_EXCEEDED | The upload would exceed the token ceiling. Nothing was uploaded. |
| PERSISTENCE_FAILURE | The change happened in memory but could not be saved. |
| PROVIDER_UNAVAILABLE | The provider call failed. Nothing is retried automatically. |
| INVALID_INPUT | Bad arguments, unknown stage, no sources yet, or a screenplay step out of order. |
`,
	},
}

func registerDocResources(server *sdkmcp.Server) {
	for _, doc := range docResources {
		server.AddResource(&sdkmcp.Resource{
			URI:         doc.URI,
			Name:        doc.Name,
			Title:       doc.Title,
			Description: doc.Description,
			MIMEType:    "text/markdown",
			Size:        int64(len(doc.Content)),
		}, func(_ context.Context, req *sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error) {
			uri := doc.URI
			if req != nil && req.Params != nil && req.Params.URI != "" {
				uri = req.Params.URI
			}
			return &sdkmcp.ReadResourceResult{
				Contents: []*sdkmcp.ResourceContents{{
					URI:      uri,
					MIMEType: "text/markdown",
					Text:     doc.Content,
				}},
			}, nil
		})
	}
}
