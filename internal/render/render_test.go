package render

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"opsync/internal/domain"
	"opsync/internal/events"
)

func ptr(s string) *string { return &s }

func fixtureState() domain.OperationState {
	return domain.OperationState{
		OperationConfig: domain.OperationConfig{
			Name:        "NIGHT RAID",
			Description: "Secure the valley.",
			MapURL:      "https://example.test/map.png",
			IsActive:    true,
		},
		Missions: []domain.Mission{
			{ID: "m1", Title: "TAKE THE HILL", Type: domain.MissionPrimary, Status: domain.MissionActive, Points: 100, ValidationCode: "CODE-1234"},
			{ID: "m3", Title: "HOLD BRIDGE", Type: domain.MissionPrimary, Status: domain.MissionFailed, Points: 200, ValidationCode: "CODE-9012"},
			{ID: "m2", Title: "CUT THE WIRE", Type: domain.MissionSecondary, Status: domain.MissionCompleted, Points: 50, ValidationCode: "CODE-5678", ParentID: ptr("m1")},
			{ID: "m4", Title: "LOST CACHE", Type: domain.MissionSecondary, Status: domain.MissionActive, Points: 25, ValidationCode: "CODE-3456", ParentID: ptr("gone")},
		},
		Operators: []domain.Operator{
			{ID: "op-viper", Callsign: "VIPER", Score: 150, Rank: domain.RankPrivate, Status: domain.OperatorOnline, CompletedMissions: []string{"m1", "m2"}},
			{ID: "op-ghost", Callsign: "GHOST", Score: 1200, Rank: domain.RankCaptain, Status: domain.OperatorOffline, CompletedMissions: []string{"m1", "m2", "m3"}},
			{ID: "op-echo", Callsign: "ECHO", Score: 150, Rank: domain.RankPrivate, Status: domain.OperatorKIA, CompletedMissions: []string{"m1", "m2"}},
		},
		Loaded: true,
	}
}

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestMissionsGolden(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Missions(&buf, fixtureState().Missions))
	newGoldie(t).Assert(t, "missions", buf.Bytes())
}

func TestLeaderboardGolden(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Leaderboard(&buf, fixtureState().Operators))
	newGoldie(t).Assert(t, "leaderboard", buf.Bytes())
}

func TestStateGolden(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, State(&buf, fixtureState()))
	newGoldie(t).Assert(t, "state", buf.Bytes())
}

func TestChangesGolden(t *testing.T) {
	changes := []events.Change{
		{ID: 7, TS: "2026-03-01T09:00:00Z", Type: events.TypeSet, Collection: "missions", DocID: "m1", ActorID: "admin"},
		{ID: 8, TS: "2026-03-01T09:05:00Z", Type: events.TypeMerge, Collection: "operators", DocID: "op-viper", ActorID: "op-viper"},
	}
	var buf bytes.Buffer
	require.NoError(t, Changes(&buf, changes))
	newGoldie(t).Assert(t, "changes", buf.Bytes())
}

func TestLeaderboardDoesNotReorderInput(t *testing.T) {
	ops := fixtureState().Operators
	var buf bytes.Buffer
	require.NoError(t, Leaderboard(&buf, ops))
	require.Equal(t, "VIPER", ops[0].Callsign)
}

func TestJSONIndents(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, fixtureState().OperationConfig))
	var got domain.OperationConfig
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, "NIGHT RAID", got.Name)
	require.Contains(t, buf.String(), "\n  \"name\"")
}
