package catalog

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T, migrationsPath string) *Repository {
	t.Helper()
	repo, err := NewRepository(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	require.NoError(t, repo.RunMigrations(migrationsPath))
	return repo
}

func TestGetAllProducts_AfterMigrations(t *testing.T) {
	for _, path := range []string{"", "./migrations"} {
		repo := setupTestDB(t, path)

		products, err := repo.GetAllProducts(context.Background())
		require.NoError(t, err, "migrations %q", path)
		assert.Len(t, products, 6)
		assert.Equal(t, int64(7), products[0].ID)
	}
}

func TestRunMigrations_Twice(t *testing.T) {
	repo := setupTestDB(t, "")
	assert.NoError(t, repo.RunMigrations(""))
}

func TestGetProduct(t *testing.T) {
	repo := setupTestDB(t, "")

	p, err := repo.GetProduct(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "Linen shirt", p.Name)
	assert.True(t, p.Price.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, "shirts", p.Category)
	assert.Equal(t, 10, p.Stock)
	assert.True(t, p.IsActive)

	p, err = repo.GetProduct(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "3.33", p.Price.StringFixed(2))

	p, err = repo.GetProduct(context.Background(), 99)
	require.NoError(t, err)
	assert.False(t, p.IsActive)
}

func TestGetProduct_NotFound(t *testing.T) {
	repo := setupTestDB(t, "")

	_, err := repo.GetProduct(context.Background(), 1000)
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestGetProducts(t *testing.T) {
	repo := setupTestDB(t, "")

	got, err := repo.GetProducts(context.Background(), []int64{42, 7, 1000})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "Merino socks", got[7].Name)

	empty, err := repo.GetProducts(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGetAllProducts_CancelledContext(t *testing.T) {
	repo := setupTestDB(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.GetAllProducts(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
