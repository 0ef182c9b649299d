package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-bricks-datalayer/errs"
)

type sample struct {
	Path  string `validate:"required,endpoint"`
	Order string `validate:"sortorder"`
	Size  int    `validate:"min=1,max=100"`
}

func TestStruct(t *testing.T) {
	v := New()

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, v.Struct(sample{Path: "/experiments/{id}", Order: "asc", Size: 10}))
	})

	t.Run("collects every failing field", func(t *testing.T) {
		err := v.Struct(sample{Path: "experiments", Order: "up", Size: 0})
		require.Error(t, err)

		var verr *Error
		require.True(t, errors.As(err, &verr))
		assert.Len(t, verr.Fields, 3)
		assert.True(t, verr.HasField("Path"))
		assert.True(t, verr.HasField("Order"))
		assert.True(t, verr.HasField("Size"))
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		assert.Contains(t, err.Error(), "Size failed min=1")
	})
}

func TestVar(t *testing.T) {
	v := Default()
	assert.NoError(t, v.Var("sortBy", "name", "oneof=created_at updated_at name type status"))

	err := v.Var("sortBy", "color", "oneof=created_at updated_at name type status")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}
