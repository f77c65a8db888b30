package provider_test

import (
	"testing"

	"github.com/rpggio/storyloom/internal/provider"
	"github.com/stretchr/testify/require"
)

type beat struct {
	Title string `json:"title"`
	Page  int    `json:"page"`
}

func TestValidate(t *testing.T) {
	schema, err := provider.SchemaFor[beat]("beat")
	require.NoError(t, err)

	out, err := provider.Validate(schema, []byte(`{"title":"Catalyst","page":12}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"Catalyst","page":12}`, string(out))

	_, err = provider.Validate(schema, []byte(`{"title":"Catalyst"`))
	require.ErrorIs(t, err, provider.ErrSchemaViolation)

	_, err = provider.Validate(schema, []byte(`{"title":7,"page":"twelve"}`))
	require.ErrorIs(t, err, provider.ErrSchemaViolation)
}

func TestSchemaMap(t *testing.T) {
	schema := provider.MustSchemaFor[beat]("beat")
	m, err := schema.Map()
	require.NoError(t, err)
	require.Equal(t, "object", m["type"])
	require.Contains(t, m["properties"], "title")

	empty, err := provider.Schema{Name: "any"}.Map()
	require.NoError(t, err)
	require.Equal(t, "object", empty["type"])
}
