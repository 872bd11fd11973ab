package manifest

import (
	"context"
	"fmt"

	"lakereg/internal/domain"
	"lakereg/internal/repo"
)

type LineageMode string

const (
	LineageDirect LineageMode = "direct"
	LineageFull   LineageMode = "full"
)

// GetLineage returns the inputs of id. Direct mode lists declared inputs in
// order; full mode walks the whole upstream graph depth first and returns
// each ancestor once, in discovery order.
func (s Store) GetLineage(ctx context.Context, id string, mode LineageMode) ([]domain.Artifact, error) {
	const op = "manifest.lineage"
	if _, err := s.GetArtifact(ctx, id); err != nil {
		return nil, err
	}
	r, err := s.repo()
	if err != nil {
		return nil, err
	}
	var ids []string
	switch mode {
	case LineageDirect, "":
		if ids, err = r.Inputs(ctx, id); err != nil {
			return nil, domain.IO(op, id, err)
		}
	case LineageFull:
		inputsOf := func(node string) ([]string, error) {
			inputs, err := r.Inputs(ctx, node)
			if err != nil {
				return nil, domain.IO(op, node, err)
			}
			return inputs, nil
		}
		if ids, err = walkUpstream(id, inputsOf); err != nil {
			return nil, err
		}
	default:
		return nil, domain.Validation(op, "unknown lineage mode %q", mode)
	}
	return artifactsInOrder(ctx, r, op, ids)
}

// artifactsInOrder loads ids in one query and returns them in the order
// given. An id with no row is a dangling edge.
func artifactsInOrder(ctx context.Context, r repo.Repo, op string, ids []string) ([]domain.Artifact, error) {
	loaded, err := r.ArtifactsByIDs(ctx, ids)
	if err != nil {
		return nil, domain.IO(op, "", err)
	}
	byID := make(map[string]domain.Artifact, len(loaded))
	for _, a := range loaded {
		byID[a.ArtifactID] = a
	}
	out := make([]domain.Artifact, 0, len(ids))
	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			return nil, domain.CorruptionID(op, id, "lineage edge to unknown artifact "+id)
		}
		out = append(out, a)
	}
	return out, nil
}

const (
	white = iota
	grey
	black
)

// walkUpstream is a colour-marking DFS from root. Reaching a grey node means
// the graph has a cycle, which is reported as corruption.
func walkUpstream(root string, inputsOf func(string) ([]string, error)) ([]string, error) {
	colour := map[string]int{}
	out := []string{}
	var visit func(node string) error
	visit = func(node string) error {
		colour[node] = grey
		inputs, err := inputsOf(node)
		if err != nil {
			return err
		}
		for _, in := range inputs {
			switch colour[in] {
			case grey:
				return domain.CorruptionID("manifest.lineage", in, fmt.Sprintf("lineage cycle between %s and %s", node, in))
			case black:
				continue
			}
			out = append(out, in)
			if err := visit(in); err != nil {
				return err
			}
		}
		colour[node] = black
		return nil
	}
	if err := visit(root); err != nil {
		return nil, err
	}
	return out, nil
}

// checkAcyclic verifies the whole input graph.
func checkAcyclic(edges map[string][]string) error {
	colour := map[string]int{}
	var visit func(node string) error
	visit = func(node string) error {
		colour[node] = grey
		for _, in := range edges[node] {
			switch colour[in] {
			case grey:
				return domain.CorruptionID("manifest.rebuild", in, fmt.Sprintf("lineage cycle between %s and %s", node, in))
			case white:
				if err := visit(in); err != nil {
					return err
				}
			}
		}
		colour[node] = black
		return nil
	}
	for _, node := range sortedKeys(edges) {
		if colour[node] == white {
			if err := visit(node); err != nil {
				return err
			}
		}
	}
	return nil
}
