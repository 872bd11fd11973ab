package lakeregsdk

import (
	"context"
	"net/http/httptest"
	"testing"

	"lakereg/internal/config"
	"lakereg/internal/registry"
	"lakereg/internal/server"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	reg, err := registry.Open(t.TempDir(), config.Default("sdk"), registry.Options{})
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	handler, err := server.New(server.Config{Registry: reg, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		reg.Close()
	})
	return New(srv.URL)
}

func TestClientRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	pub, err := c.Publish(ctx, PublishInput{
		Payload:       []byte(`{"caller":"w","ts":"1"}`),
		ArtifactType:  "alerts_v1",
		SchemaVersion: 1,
		LogicalKey:    "caller=w,day=2025-10-01",
		Tags:          []string{"prod"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !pub.Created {
		t.Fatalf("expected a new artifact")
	}
	art, err := c.GetArtifact(ctx, pub.ArtifactID)
	if err != nil {
		t.Fatal(err)
	}
	if art.Status != "active" || art.LogicalKey != "caller=w,day=2025-10-01" {
		t.Fatalf("unexpected artifact %+v", art)
	}

	runID, err := c.RegisterRun(ctx, Run{
		DatasetIDs:    []string{"ds"},
		StrategyHash:  "s",
		EngineVersion: "1",
		ArtifactIDs:   []string{pub.ArtifactID},
	})
	if err != nil {
		t.Fatalf("register run: %v", err)
	}
	rs, err := c.CreateRunSet(ctx, RunSetSpec{DatasetIDs: []string{"ds"}})
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.Resolve(ctx, rs.RunSetID, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.RunIDs) != 1 || res.RunIDs[0] != runID {
		t.Fatalf("unexpected resolution %+v", res)
	}
	frozen, err := c.Freeze(ctx, rs.RunSetID)
	if err != nil {
		t.Fatal(err)
	}
	if !frozen.Frozen || frozen.ResolutionID != res.ResolutionID {
		t.Fatalf("freeze pinned %+v, want %s", frozen, res.ResolutionID)
	}

	derived, err := c.Publish(ctx, PublishInput{
		Payload:          []byte(`{"caller":"w","ts":"2"}`),
		ArtifactType:     "alerts_v1",
		SchemaVersion:    1,
		LogicalKey:       "caller=w,day=2025-10-02",
		InputArtifactIDs: []string{pub.ArtifactID},
	})
	if err != nil {
		t.Fatal(err)
	}
	lineage, err := c.Lineage(ctx, derived.ArtifactID, false)
	if err != nil || len(lineage) != 1 || lineage[0].ArtifactID != pub.ArtifactID || lineage[0].LogicalKey != art.LogicalKey {
		t.Fatalf("lineage = %+v, %v", lineage, err)
	}
	down, err := c.Downstream(ctx, pub.ArtifactID)
	if err != nil || len(down) != 1 || down[0].ArtifactID != derived.ArtifactID {
		t.Fatalf("downstream = %+v, %v", down, err)
	}
	runsets, err := c.RunSets(ctx, pub.ArtifactID)
	if err != nil || len(runsets) != 1 || runsets[0] != rs.RunSetID {
		t.Fatalf("runsets containing %s = %v, %v", pub.ArtifactID, runsets, err)
	}
}

func TestClientSurfacesErrorEnvelope(t *testing.T) {
	c := newTestClient(t)
	_, err := c.GetArtifact(context.Background(), "art-missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.Code != "not_found" {
		t.Fatalf("unexpected code %q", apiErr.Code)
	}
	if _, err := c.ListArtifacts(context.Background(), map[string]string{"colour": "blue"}); err == nil {
		t.Fatal("expected unknown filter key to fail")
	}
}
