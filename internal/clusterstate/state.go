// Package clusterstate holds the data model shared by every component that
// observes or reports on the cluster: per-peer database state records,
// observer snapshots, and the derived node map used for promotion decisions.
package clusterstate

import "time"

// ReplicationSlot describes one row of pg_replication_slots as last observed
// on a primary. The source system keeps an opaque on-disk slot state blob;
// there is no SQL-visible equivalent, so StateBlob carries the JSON-encoded
// row instead and is treated as opaque by every consumer.
type ReplicationSlot struct {
	Name              string `json:"name"`
	Plugin            string `json:"plugin"`
	SlotType          string `json:"slot_type"`
	Database          string `json:"database"`
	CatalogXmin       string `json:"catalog_xmin"`
	RestartLSN        string `json:"restart_lsn"`
	ConfirmedFlushLSN string `json:"confirmed_flush_lsn"`
	StateBlob         string `json:"state_blob,omitempty"`
}

// DBState is one database peer's observed status. Pointer fields are
// nullable and the null-vs-absent distinction matters: a primary reports
// ReplicationTimeLag = nil while a standby with zero lag reports a 0.0
// value, and the two must serialize differently.
type DBState struct {
	FetchTime                 time.Time          `json:"fetch_time"`
	Connection                bool               `json:"connection"`
	DBTime                    *time.Time         `json:"db_time,omitempty"`
	PgIsInRecovery             bool              `json:"pg_is_in_recovery"`
	PgLastXactReplayTimestamp *time.Time         `json:"pg_last_xact_replay_timestamp"`
	PgLastXlogReceiveLocation  *string            `json:"pg_last_xlog_receive_location"`
	PgLastXlogReplayLocation   *string            `json:"pg_last_xlog_replay_location"`
	ReplicationTimeLag        *float64           `json:"replication_time_lag"`
	MinReplicationTimeLag     *float64           `json:"min_replication_time_lag,omitempty"`
	ReplicationStartTime      *time.Time         `json:"replication_start_time,omitempty"`
	ReplicationSlots          []ReplicationSlot  `json:"replication_slots,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to a reader without risking
// a later in-place update racing with it; ReplicationSlots is copied because
// it is the only reference-typed field.
func (s DBState) Clone() DBState {
	out := s
	if s.ReplicationSlots != nil {
		out.ReplicationSlots = append([]ReplicationSlot(nil), s.ReplicationSlots...)
	}
	return out
}

// ObserverState is one observer peer's self-reported view of the cluster:
// its own fetch bookkeeping plus its nested map of what it believes every
// peer in its configuration looks like.
type ObserverState struct {
	FetchTime  time.Time          `json:"fetch_time"`
	Connection bool               `json:"connection"`
	Peers      map[string]DBState `json:"peers"`
}

func (o ObserverState) Clone() ObserverState {
	out := o
	out.Peers = make(map[string]DBState, len(o.Peers))
	for k, v := range o.Peers {
		out.Peers[k] = v.Clone()
	}
	return out
}
