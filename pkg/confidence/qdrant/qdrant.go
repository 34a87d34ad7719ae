// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

// Package qdrant backs the error-pattern store with a Qdrant collection, so
// pattern matching is semantic rather than token overlap.
package qdrant

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/noesis-ai/noesis/pkg/confidence"
)

// Store implements confidence.PatternStore over a Qdrant collection. One
// point per error pattern; the agent id lives in the payload and filtering
// happens server side.
type Store struct {
	points      pb.PointsClient
	collections pb.CollectionsClient
	embedder    confidence.Embedder
	collection  string
}

// New connects to a Qdrant instance and ensures the collection exists with
// the embedder's vector size.
func New(addr, collection string, embedder confidence.Embedder, vectorSize uint64) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}

	s := &Store{
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		embedder:    embedder,
		collection:  collection,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.ensureCollection(ctx, vectorSize); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureCollection(ctx context.Context, vectorSize uint64) error {
	resp, err := s.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{
		CollectionName: s.collection,
	})
	if err == nil && resp.GetResult().GetExists() {
		return nil
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     vectorSize,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", s.collection, err)
	}
	return nil
}

// Record embeds the pattern description and upserts it as one point.
func (s *Store) Record(ctx context.Context, pattern confidence.ErrorPattern) error {
	vector, err := s.embedder.Embed(ctx, pattern.Description)
	if err != nil {
		return fmt.Errorf("embed pattern: %w", err)
	}

	id := pattern.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := pattern.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{
				Vector: &pb.Vector{Data: vector},
			}},
			Payload: map[string]*pb.Value{
				"agent_id":    {Kind: &pb.Value_StringValue{StringValue: pattern.AgentID}},
				"description": {Kind: &pb.Value_StringValue{StringValue: pattern.Description}},
				"created_at":  {Kind: &pb.Value_IntegerValue{IntegerValue: createdAt.Unix()}},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("upsert pattern: %w", err)
	}
	return nil
}

// Similar embeds the text and searches the agent's patterns above the
// threshold, highest score first.
func (s *Store) Similar(ctx context.Context, agentID, text string, threshold float64) ([]confidence.Match, error) {
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	scoreThreshold := float32(threshold)
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          10,
		ScoreThreshold: &scoreThreshold,
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
		Filter: &pb.Filter{
			Must: []*pb.Condition{{
				ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
					Key: "agent_id",
					Match: &pb.Match{
						MatchValue: &pb.Match_Keyword{Keyword: agentID},
					},
				}},
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("search patterns: %w", err)
	}

	matches := make([]confidence.Match, 0, len(resp.Result))
	for _, r := range resp.Result {
		pattern := confidence.ErrorPattern{
			ID:      r.Id.GetUuid(),
			AgentID: agentID,
		}
		if v, ok := r.Payload["description"]; ok {
			pattern.Description = v.GetStringValue()
		}
		if v, ok := r.Payload["created_at"]; ok {
			pattern.CreatedAt = time.Unix(v.GetIntegerValue(), 0).UTC()
		}
		matches = append(matches, confidence.Match{
			Pattern:    pattern,
			Similarity: float64(r.Score),
		})
	}
	return matches, nil
}
