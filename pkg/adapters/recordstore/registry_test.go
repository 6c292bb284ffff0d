package recordstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
)

func TestOpen_UnknownType(t *testing.T) {
	_, err := Open(context.Background(), "does-not-exist", nil, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrUnknownStoreType))
}

func TestRegister_FactoryReceivesDefaults(t *testing.T) {
	var got Options
	Register(Registration{
		Info: StoreInfo{Type: "test-registry"},
		Factory: func(ctx context.Context, config map[string]any, opts Options) (RecordStore, error) {
			got = opts
			return nil, errors.New("boom")
		},
	})

	assert.True(t, IsRegistered("test-registry"))
	_, err := Open(context.Background(), "test-registry", map[string]any{}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open test-registry store")
	assert.NotNil(t, got.Logger)
	assert.Equal(t, "store", got.Name)

	found := false
	for _, info := range RegisteredStores() {
		if info.Type == "test-registry" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDomain_Validate(t *testing.T) {
	assert.NoError(t, Domain{}.Validate())
	assert.NoError(t, Domain{{Field: "id", Operator: OpIn, Value: []int64{1, 2}}}.Validate())
	assert.NoError(t, Domain{{Field: "active", Operator: OpEq, Value: true}}.Validate())
	assert.Error(t, Domain{{Field: "id", Operator: OpIn, Value: 3}}.Validate())
	assert.Error(t, Domain{{Field: "name", Operator: "ilike", Value: "x"}}.Validate())
	assert.Error(t, Domain{{Operator: OpEq, Value: 1}}.Validate())
}

func TestPartialCreateError(t *testing.T) {
	cause := errors.New("constraint violated")
	err := error(&PartialCreateError{Created: []int64{1, 2}, Err: cause})

	var partial *PartialCreateError
	require.True(t, errors.As(err, &partial))
	assert.Len(t, partial.Created, 2)
	assert.True(t, errors.Is(err, cause))
}

func TestIsRejected(t *testing.T) {
	base := errors.New("ValidationError: name required")

	assert.False(t, IsRejected(nil))
	assert.False(t, IsRejected(base))
	assert.False(t, IsRejected(errors.New("context deadline exceeded")))
	assert.True(t, IsRejected(Reject(base)))
	assert.True(t, IsRejected(fmt.Errorf("product.create: %w", Reject(base))))
	assert.True(t, IsRejected(&PartialCreateError{Created: []int64{4}, Err: base}))
	assert.True(t, errors.Is(Reject(base), base))
	assert.Nil(t, Reject(nil))
}
