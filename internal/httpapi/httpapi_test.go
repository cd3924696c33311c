package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"forestdb/internal/metrics"
	"forestdb/internal/vsr"
)

type fakeForestStatus struct {
	progress string
}

func (f *fakeForestStatus) Progress() string { return f.progress }

type fakeReplica struct {
	isLeader   bool
	leaderAddr string
	leaderID   uint64
	proposed   []vsr.Cmd
	handled    []raftpb.Message
	proposeErr error
	handleErr  error
}

func (f *fakeReplica) IsLeader() bool     { return f.isLeader }
func (f *fakeReplica) LeaderAddr() string { return f.leaderAddr }
func (f *fakeReplica) LeaderID() uint64   { return f.leaderID }

func (f *fakeReplica) Propose(ctx context.Context, cmd vsr.Cmd) error {
	if f.proposeErr != nil {
		return f.proposeErr
	}
	f.proposed = append(f.proposed, cmd)
	return nil
}

func (f *fakeReplica) Handle(ctx context.Context, msg raftpb.Message) error {
	if f.handleErr != nil {
		return f.handleErr
	}
	f.handled = append(f.handled, msg)
	return nil
}

func TestHandleStatusReportsProgressAndLeadership(t *testing.T) {
	forest := &fakeForestStatus{progress: "compact"}
	replica := &fakeReplica{isLeader: true, leaderID: 7}
	srv := NewServer(replica, forest, nil, "")

	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("get /status: %v", err)
	}
	defer resp.Body.Close()

	var out StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Progress != "compact" {
		t.Fatalf("progress = %q, want compact", out.Progress)
	}
	if !out.IsLeader || out.LeaderID != 7 {
		t.Fatalf("leadership fields not reflected: %+v", out)
	}
}

func TestHandleCheckpointRedirectsWhenNotLeader(t *testing.T) {
	forest := &fakeForestStatus{}
	replica := &fakeReplica{isLeader: false, leaderAddr: "http://peer:9000"}
	srv := NewServer(replica, forest, nil, "")

	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Post(ts.URL+"/checkpoint", "application/json", nil)
	if err != nil {
		t.Fatalf("post /checkpoint: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	if loc := resp.Header.Get("Location"); loc != "http://peer:9000/checkpoint" {
		t.Fatalf("location = %q", loc)
	}
	if len(replica.proposed) != 0 {
		t.Fatal("expected no proposal when not leader")
	}
}

func TestHandleCheckpointProposesWhenLeader(t *testing.T) {
	forest := &fakeForestStatus{}
	replica := &fakeReplica{isLeader: true}
	srv := NewServer(replica, forest, nil, "")

	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/checkpoint", "application/json", nil)
	if err != nil {
		t.Fatalf("post /checkpoint: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(replica.proposed) != 1 || replica.proposed[0].Kind != vsr.CmdCheckpoint {
		t.Fatalf("expected one checkpoint proposal, got %+v", replica.proposed)
	}
}

func TestHandleRaftDecodesAndDispatchesMessage(t *testing.T) {
	forest := &fakeForestStatus{}
	replica := &fakeReplica{isLeader: true}
	srv := NewServer(replica, forest, nil, "")

	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	body, err := json.Marshal(raftpb.Message{From: 1, To: 2, Type: raftpb.MsgHeartbeat})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	resp, err := http.Post(ts.URL+vsr.Endpoint(), "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post raft endpoint: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(replica.handled) != 1 || replica.handled[0].To != 2 {
		t.Fatalf("expected message handled, got %+v", replica.handled)
	}
}

func TestRouterOmitsCheckpointAndRaftWhenReplicaNil(t *testing.T) {
	forest := &fakeForestStatus{progress: "idle"}
	srv := NewServer(nil, forest, nil, "")

	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/checkpoint", "application/json", nil)
	if err != nil {
		t.Fatalf("post /checkpoint: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when replica is nil", resp.StatusCode)
	}
}

func TestMetricsEndpointServesPromRegistry(t *testing.T) {
	forest := &fakeForestStatus{}
	collector := metrics.NewPromCollector()
	collector.SetGauge(metrics.MetricBarActiveCount, map[string]string{"scope": "bar"}, 3)

	srv := NewServer(nil, forest, collector.Registry(), "")
	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
