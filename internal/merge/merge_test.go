package merge

import (
	"testing"
	"time"

	"github.com/willibrandon/pgward/internal/alertfile"
	"github.com/willibrandon/pgward/internal/clusterstate"
)

func TestMergeSingleConnectedMasterIsSelected(t *testing.T) {
	cluster := map[string]clusterstate.DBState{
		"primary": {PgIsInRecovery: false, Connection: true},
		"standby": {PgIsInRecovery: true, Connection: true},
	}
	nm := Merge("standby", cluster, nil, nil)

	if nm.MasterHost != "primary" {
		t.Errorf("MasterHost = %q, want primary", nm.MasterHost)
	}
	if _, ok := nm.ConnectedMasters["primary"]; !ok {
		t.Error("expected primary in ConnectedMasters")
	}
}

func TestMergeMultipleConnectedMastersRaisesAlertAndNoMaster(t *testing.T) {
	cluster := map[string]clusterstate.DBState{
		"a": {PgIsInRecovery: false, Connection: true},
		"b": {PgIsInRecovery: false, Connection: true},
	}
	dir := t.TempDir()
	w := alertfile.NewWriter(dir)
	nm := Merge("c", cluster, nil, w)

	if nm.MasterHost != "" {
		t.Errorf("MasterHost = %q, want empty", nm.MasterHost)
	}
	if !nm.MultipleMasters {
		t.Error("expected MultipleMasters = true")
	}
	if !w.Exists(alertfile.MultipleMasterWarning) {
		t.Error("expected multiple_master_warning alert file to be created")
	}
}

func TestMergeStaleLocalRecordIsOverriddenByFresherObserver(t *testing.T) {
	now := time.Now().UTC()
	cluster := map[string]clusterstate.DBState{
		"B": {PgIsInRecovery: false, Connection: false, FetchTime: now.Add(-60 * time.Second)},
	}
	observers := map[string]clusterstate.ObserverState{
		"obs1": {
			FetchTime:  now,
			Connection: true,
			Peers: map[string]clusterstate.DBState{
				"B": {PgIsInRecovery: false, Connection: true, FetchTime: now},
			},
		},
		"obs2": {
			FetchTime:  now,
			Connection: true,
			Peers: map[string]clusterstate.DBState{
				"B": {PgIsInRecovery: false, Connection: true, FetchTime: now},
			},
		},
	}

	nm := Merge("self", cluster, observers, nil)

	if _, ok := nm.ConnectedMasters["B"]; !ok {
		t.Errorf("expected B in ConnectedMasters, got nm=%+v", nm)
	}
}

func TestMergeObserverIgnoredWhenStaleRelativeToLocal(t *testing.T) {
	now := time.Now().UTC()
	cluster := map[string]clusterstate.DBState{
		"B": {PgIsInRecovery: true, Connection: true, FetchTime: now},
	}
	observers := map[string]clusterstate.ObserverState{
		"obs1": {
			FetchTime:  now.Add(-60 * time.Second),
			Connection: true,
			Peers: map[string]clusterstate.DBState{
				"B": {PgIsInRecovery: false, Connection: true, FetchTime: now.Add(-60 * time.Second)},
			},
		},
	}

	nm := Merge("self", cluster, observers, nil)

	if _, ok := nm.Standbys["B"]; !ok {
		t.Errorf("expected B to remain a standby (stale observer ignored), got nm=%+v", nm)
	}
}

func TestMergeIgnoresObserverRecordForSelf(t *testing.T) {
	now := time.Now().UTC()
	cluster := map[string]clusterstate.DBState{
		"self": {PgIsInRecovery: true, Connection: true, FetchTime: now},
	}
	observers := map[string]clusterstate.ObserverState{
		"obs1": {
			FetchTime:  now.Add(time.Second),
			Connection: true,
			Peers: map[string]clusterstate.DBState{
				"self": {PgIsInRecovery: false, Connection: true, FetchTime: now.Add(time.Second)},
			},
		},
	}

	nm := Merge("self", cluster, observers, nil)

	if _, ok := nm.Standbys["self"]; !ok {
		t.Error("expected local node's own record to stay authoritative regardless of observer claims")
	}
}
