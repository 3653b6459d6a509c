package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithMintsWhenEmpty(t *testing.T) {
	ctx := With(context.Background(), "")
	assert.NotEmpty(t, From(ctx))
}

func TestWithPreservesGivenID(t *testing.T) {
	ctx := With(context.Background(), "fixed-id")
	assert.Equal(t, "fixed-id", From(ctx))
}

func TestFromEmptyContext(t *testing.T) {
	assert.Equal(t, "", From(context.Background()))
}

func TestFromOrNewMintsOnce(t *testing.T) {
	ctx, id := FromOrNew(context.Background())
	assert.NotEmpty(t, id)

	ctx2, id2 := FromOrNew(ctx)
	assert.Equal(t, id, id2)
	assert.Equal(t, id, From(ctx2))
}
