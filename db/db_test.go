package db

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newRecord(id, environment string) *models.DeploymentRecord {
	return &models.DeploymentRecord{
		ID:          id,
		Environment: environment,
		Status:      models.StatusPending,
		Kind:        models.KindDeploy,
		GitBranch:   "main",
		StartedAt:   time.Now(),
		TriggeredBy: "user",
	}
}

func TestNewInvalidPath(t *testing.T) {
	store, err := New("/invalid/path/test.db")
	assert.Error(t, err)
	assert.Nil(t, store)
}

func TestCreateAndGetDeployment(t *testing.T) {
	store := setupTestStore(t)

	rec := newRecord("dep-1", "vps")
	rec.PreviousCommit = "abc123"
	rec.Logs = []string{"line one"}
	rec.Steps = []models.DeploymentStep{{Name: "sync", Status: models.StepRunning, StartedAt: time.Now()}}
	require.NoError(t, store.CreateDeployment(rec))

	got, err := store.GetDeployment("dep-1")
	require.NoError(t, err)
	assert.Equal(t, "vps", got.Environment)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "abc123", got.PreviousCommit)
	assert.Equal(t, []string{"line one"}, got.Logs)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "sync", got.Steps[0].Name)
}

func TestGetDeploymentNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetDeployment("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpdateDeployment(t *testing.T) {
	store := setupTestStore(t)

	rec := newRecord("dep-1", "vps")
	require.NoError(t, store.CreateDeployment(rec))

	rec.Status = models.StatusRunning
	rec.Logs = append(rec.Logs, "step sync started")
	require.NoError(t, store.UpdateDeployment(rec))

	got, err := store.GetDeployment("dep-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, []string{"step sync started"}, got.Logs)
}

func TestUpdateDeploymentFinalizedIsImmutable(t *testing.T) {
	store := setupTestStore(t)

	rec := newRecord("dep-1", "vps")
	require.NoError(t, store.CreateDeployment(rec))

	now := time.Now()
	rec.Status = models.StatusSuccess
	rec.CompletedAt = &now
	require.NoError(t, store.UpdateDeployment(rec))

	rec.Status = models.StatusFailed
	err := store.UpdateDeployment(rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already finalized")

	got, err := store.GetDeployment("dep-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, got.Status)
}

func TestUpdateDeploymentMissing(t *testing.T) {
	store := setupTestStore(t)

	err := store.UpdateDeployment(newRecord("ghost", "vps"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestQueryDeployments(t *testing.T) {
	store := setupTestStore(t)

	for i := 0; i < 5; i++ {
		rec := newRecord(fmt.Sprintf("dep-%d", i), "vps")
		rec.StartedAt = time.Now().Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			rec.Status = models.StatusSuccess
		} else {
			rec.Status = models.StatusFailed
		}
		require.NoError(t, store.CreateDeployment(rec))
	}
	require.NoError(t, store.CreateDeployment(newRecord("other-1", "ubuntu-home")))

	deployments, total, err := store.QueryDeployments("vps", "", 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, deployments, 3)

	// newest first
	for i := 0; i < len(deployments)-1; i++ {
		assert.False(t, deployments[i].StartedAt.Before(deployments[i+1].StartedAt))
	}

	deployments, total, err = store.QueryDeployments("vps", "failed", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, deployments, 2)

	_, total, err = store.QueryDeployments("", "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 6, total)
}

func TestLatestDeployment(t *testing.T) {
	store := setupTestStore(t)

	latest, err := store.LatestDeployment("vps")
	require.NoError(t, err)
	assert.Nil(t, latest)

	old := newRecord("dep-old", "vps")
	old.StartedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.CreateDeployment(old))
	require.NoError(t, store.CreateDeployment(newRecord("dep-new", "vps")))

	latest, err = store.LatestDeployment("vps")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "dep-new", latest.ID)
}

func TestRecoverAbandoned(t *testing.T) {
	store := setupTestStore(t)

	stale := newRecord("dep-stale", "vps")
	stale.Status = models.StatusRunning
	stale.StartedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.CreateDeployment(stale))

	fresh := newRecord("dep-fresh", "vps")
	fresh.Status = models.StatusRunning
	require.NoError(t, store.CreateDeployment(fresh))

	done := newRecord("dep-done", "vps")
	done.Status = models.StatusSuccess
	done.StartedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, store.CreateDeployment(done))

	n, err := store.RecoverAbandoned(10 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetDeployment("dep-stale")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "abandoned")
	require.NotNil(t, got.CompletedAt)

	got, err = store.GetDeployment("dep-fresh")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
}

func TestSaveAndGetVerifications(t *testing.T) {
	store := setupTestStore(t)

	v := &models.VerificationRecord{
		ID:          "ver-1",
		Environment: "vps",
		ProbeResults: []models.ProbeResult{
			{Name: "health", Kind: models.ProbeHTTP, Success: true, LatencyMs: 42},
			{Name: "web", Kind: models.ProbeProcess, Success: false, Error: "not running"},
		},
		Passed:    1,
		Failed:    1,
		Total:     2,
		Healthy:   false,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.SaveVerification(v))

	records, err := store.GetVerifications("vps", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, records[0].Total, records[0].Passed+records[0].Failed)
	assert.Empty(t, records[0].DeploymentID)
	require.Len(t, records[0].ProbeResults, 2)
	assert.Equal(t, "health", records[0].ProbeResults[0].Name)
}

func TestEnvironmentStatusUpsert(t *testing.T) {
	store := setupTestStore(t)

	st, err := store.GetEnvironmentStatus("vps")
	require.NoError(t, err)
	assert.Nil(t, st)

	first := &models.EnvironmentStatus{
		Environment: "vps",
		Online:      true,
		GitCommit:   "abc123",
		GitBranch:   "main",
		Services:    map[string]string{"web": "healthy"},
		LastChecked: time.Now(),
	}
	require.NoError(t, store.UpsertEnvironmentStatus(first))

	second := &models.EnvironmentStatus{
		Environment: "vps",
		Online:      false,
		GitCommit:   "def456",
		GitBranch:   "main",
		Services:    map[string]string{"web": "unhealthy"},
		OpenPorts:   []int{22, 443},
		LastChecked: time.Now(),
	}
	require.NoError(t, store.UpsertEnvironmentStatus(second))

	st, err = store.GetEnvironmentStatus("vps")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.False(t, st.Online)
	assert.Equal(t, "def456", st.GitCommit)
	assert.Equal(t, "unhealthy", st.Services["web"])
	assert.Equal(t, []int{22, 443}, st.OpenPorts)

	all, err := store.AllEnvironmentStatuses()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSnapshots(t *testing.T) {
	store := setupTestStore(t)

	for i := 0; i < 3; i++ {
		snap := &models.ConfigSnapshot{
			ID:         fmt.Sprintf("snap-%d", i),
			ConfigType: models.SnapshotServices,
			Content:    []byte(fmt.Sprintf("content-%d", i)),
			CreatedAt:  time.Now().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.SaveSnapshot(snap))
	}
	require.NoError(t, store.SaveSnapshot(&models.ConfigSnapshot{
		ID:         "snap-topo",
		ConfigType: models.SnapshotTopology,
		Content:    []byte("topology"),
		CreatedAt:  time.Now(),
	}))

	snaps, err := store.ListSnapshots("services", 10)
	require.NoError(t, err)
	assert.Len(t, snaps, 3)
	assert.Equal(t, "snap-2", snaps[0].ID)

	snaps, err = store.ListSnapshots("", 10)
	require.NoError(t, err)
	assert.Len(t, snaps, 4)
}

func TestAddEvent(t *testing.T) {
	store := setupTestStore(t)

	rec := newRecord("dep-1", "vps")
	require.NoError(t, store.CreateDeployment(rec))
	require.NoError(t, store.AddEvent("dep-1", "step_started", "sync"))

	var count int
	err := store.db.QueryRow("SELECT COUNT(*) FROM deployment_events WHERE deployment_id = ?", "dep-1").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPing(t *testing.T) {
	store := setupTestStore(t)
	assert.NoError(t, store.Ping())
}
