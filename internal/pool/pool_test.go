package pool

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanoutctl/internal/config"
	"fanoutctl/internal/domain"
)

func testRegistry() *Registry {
	cfg := &config.Config{
		Clouds: config.CloudsDocument{
			Primary: domain.CloudConfig{
				CloudName: "aws-east",
				DBConfigs: []domain.DatabaseConfig{
					{Name: "orders", Host: "h1", Port: 5432, User: "u", Password: "p", Database: "orders", Schemas: []string{"public"}, DefaultSchema: "public"},
				},
			},
			Secondary: []domain.CloudConfig{
				{CloudName: "gcp-west", DBConfigs: []domain.DatabaseConfig{
					{Name: "orders", Host: "h2", Port: 5432, User: "u", Password: "p", Database: "orders", Schemas: []string{"public"}, DefaultSchema: "public"},
				}},
			},
			KVClouds: []domain.CloudConfig{
				{CloudName: "cache-east", Host: "c1", Port: 6379},
			},
		},
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return NewRegistry(cfg, log)
}

func TestFindDatabase_Primary(t *testing.T) {
	r := testRegistry()
	cloud, db, err := r.findDatabase(domain.DatabaseHandle{CloudName: "aws-east", DatabaseName: "orders"})
	require.NoError(t, err)
	assert.Equal(t, "aws-east", cloud.CloudName)
	assert.Equal(t, "h1", db.Host)
}

func TestFindDatabase_Secondary(t *testing.T) {
	r := testRegistry()
	cloud, _, err := r.findDatabase(domain.DatabaseHandle{CloudName: "gcp-west", DatabaseName: "orders"})
	require.NoError(t, err)
	assert.Equal(t, "gcp-west", cloud.CloudName)
}

func TestFindDatabase_UnknownCloud(t *testing.T) {
	r := testRegistry()
	_, _, err := r.findDatabase(domain.DatabaseHandle{CloudName: "nope", DatabaseName: "orders"})
	require.Error(t, err)
	var cfgErr *domain.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestFindDatabase_UnknownDatabase(t *testing.T) {
	r := testRegistry()
	_, _, err := r.findDatabase(domain.DatabaseHandle{CloudName: "aws-east", DatabaseName: "nope"})
	require.Error(t, err)
}

func TestFindKVCloud(t *testing.T) {
	r := testRegistry()
	cloud, err := r.findKVCloud("cache-east")
	require.NoError(t, err)
	assert.Equal(t, "c1", cloud.Host)

	_, err = r.findKVCloud("nope")
	require.Error(t, err)
}

func TestBackoffState_DoublesAndCaps(t *testing.T) {
	b := newBackoffState()
	assert.Equal(t, backoffInitial, b.nextDelay)
	b.recordFailure()
	assert.Equal(t, 2*backoffInitial, b.nextDelay)
	for i := 0; i < 10; i++ {
		b.recordFailure()
	}
	assert.Equal(t, backoffCap, b.nextDelay)
}

func TestBackoffState_ShouldLogFirstAndEveryNth(t *testing.T) {
	b := newBackoffState()
	var logged []int
	for i := 1; i <= errLogEveryN+2; i++ {
		b.recordFailure()
		if b.shouldLog() {
			logged = append(logged, b.fails)
		}
	}
	require.NotEmpty(t, logged)
	assert.Equal(t, 1, logged[0])
}

func TestHostPortFromAddr(t *testing.T) {
	assert.Equal(t, "10.0.0.5", hostFromAddr("10.0.0.5:6379"))
	assert.Equal(t, 6379, portFromAddr("10.0.0.5:6379"))
}

func TestGetConfig_Snapshot(t *testing.T) {
	r := testRegistry()
	snap := r.GetConfig()
	assert.Equal(t, "aws-east", snap.Primary.CloudName)
	assert.Len(t, snap.Secondary, 1)
	assert.Len(t, snap.KVClouds, 1)
}
