package catalog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creditforge/backend/internal/apperr"
)

const promptSchema = `{
  "type": "object",
  "required": ["prompt"],
  "properties": {"prompt": {"type": "string", "minLength": 1}}
}`

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New([]Action{
		{Key: "text_to_3d_generate", Code: "TEXT_TO_3D", Provider: "meshy", CostCredits: 20, InputSchema: promptSchema},
		{Key: "image_generate", Code: "IMAGE", Provider: "openai", CostCredits: 10, MaxCount: 4},
		{Key: "free_preview", Code: "PREVIEW", Provider: "mock", CostCredits: 0},
	})
	require.NoError(t, err)
	return c
}

func TestLookupAndCost(t *testing.T) {
	c := testCatalog(t)

	cost, err := c.Cost("text_to_3d_generate")
	require.NoError(t, err)
	assert.Equal(t, int64(20), cost)

	_, err = c.Lookup("teleport")
	assert.ErrorIs(t, err, apperr.ErrInvalidAction)

	assert.Equal(t, []string{"meshy", "mock", "openai"}, c.Providers())
	assert.Len(t, c.Actions(), 3)
}

func TestNewRejectsDuplicatesAndBadSchemas(t *testing.T) {
	_, err := New([]Action{{Key: "a", Code: "A", Provider: "p"}, {Key: "a", Code: "B", Provider: "p"}})
	assert.Error(t, err)

	_, err = New([]Action{{Key: "a", Code: "A", Provider: "p", InputSchema: `{"type": 12}`}})
	assert.Error(t, err)
}

func TestRoute(t *testing.T) {
	c, err := New([]Action{
		{Key: "video_generate", Code: "VIDEO", Provider: "google", Fallbacks: []string{"runway"}, CostCredits: 60},
		{Key: "refine", Code: "REFINE", Provider: "meshy", CostCredits: 10},
	})
	require.NoError(t, err)

	video, err := c.Lookup("video_generate")
	require.NoError(t, err)
	assert.Equal(t, []string{"google", "runway"}, video.Route())

	refine, err := c.Lookup("refine")
	require.NoError(t, err)
	assert.Equal(t, []string{"meshy"}, refine.Route())

	assert.Equal(t, []string{"google", "meshy", "runway"}, c.Providers())

	_, err = New([]Action{{Key: "v", Code: "V", Provider: "google", Fallbacks: []string{"runway", "google"}}})
	assert.ErrorContains(t, err, "twice")
}

func TestValidateInput(t *testing.T) {
	c := testCatalog(t)
	a, err := c.Lookup("text_to_3d_generate")
	require.NoError(t, err)

	assert.NoError(t, a.ValidateInput(json.RawMessage(`{"prompt":"a red chair"}`)))
	assert.ErrorIs(t, a.ValidateInput(json.RawMessage(`{"prompt":""}`)), apperr.ErrValidation)
	assert.ErrorIs(t, a.ValidateInput(json.RawMessage(`{}`)), apperr.ErrValidation)
	assert.ErrorIs(t, a.ValidateInput(json.RawMessage(`not json`)), apperr.ErrValidation)

	noSchema, err := c.Lookup("image_generate")
	require.NoError(t, err)
	assert.NoError(t, noSchema.ValidateInput(json.RawMessage(`{"anything":true}`)))
}
