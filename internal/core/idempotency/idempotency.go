// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package idempotency derives the natural idempotency key for a step
// (§4.E) and wraps the inbox-based at-most-once delivery guard (§4.G)
// that the Step Runner consults before dispatching a job.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nofx/runloop/internal/core/model"
	"github.com/nofx/runloop/internal/core/store"
)

// NaturalKey derives step's natural idempotency key per §4.E:
// sha256_hex("step:" + runID + ":" + step.name + ":" + canonical_json(inputs_without_policy)).
// Canonical JSON sorts object keys lexicographically and is UTF-8
// encoded before hashing, so a retried step with identical inputs
// reuses the same key and a step whose inputs changed gets a new one.
func NaturalKey(step *model.Step) string {
	canonical := canonicalize(step.InputsWithoutPolicy())
	preimage := fmt.Sprintf("step:%s:%s:%s", step.RunID, step.Name, string(canonical))
	sum := sha256.Sum256([]byte(preimage))
	return hex.EncodeToString(sum[:])
}

// canonicalize produces a deterministic JSON encoding of v: object
// keys are sorted and re-marshalled depth-first so two semantically
// equal maps always serialise identically regardless of original key
// order.
func canonicalize(v interface{}) []byte {
	normalized := normalize(v)
	data, err := json.Marshal(normalized)
	if err != nil {
		// v is always built from JSON-safe step data; a marshal
		// failure here would indicate a caller bug, not bad input.
		return []byte(fmt.Sprintf("%v", v))
	}
	return data
}

func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			out = append(out, kv{k, normalize(val[k])})
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = normalize(e)
		}
		return out
	default:
		return val
	}
}

type kv struct {
	Key   string
	Value interface{}
}

// orderedMap marshals as a JSON object preserving kv order, which
// normalize has already sorted by key.
type orderedMap []kv

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, pair := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(pair.Key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(pair.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// Guard wraps a Backend's inbox to implement at-most-once job
// processing: ClaimDelivery marks a queue delivery's dedup key as seen
// and reports whether this is the first time it has been observed.
type Guard struct {
	backend store.Backend
}

// NewGuard constructs a Guard over backend's InboxStore.
func NewGuard(backend store.Backend) *Guard {
	return &Guard{backend: backend}
}

// DeliveryKey derives the inbox dedup key for one queue delivery of a
// step, scoped by attempt so a legitimate redelivery after backoff is
// not conflated with a duplicate delivery of the same attempt.
func DeliveryKey(runID, stepID string, attempt int) string {
	return fmt.Sprintf("delivery:%s:%s:%d", runID, stepID, attempt)
}

// ClaimDelivery returns true the first time key is observed and false
// on every subsequent call, implementing the O_CREATE|O_EXCL-style
// insert-or-ignore semantics of §4.G atop whichever store backs g.
func (g *Guard) ClaimDelivery(ctx context.Context, key string) (bool, error) {
	return g.backend.InboxMarkIfNew(ctx, key)
}

// ReleaseDelivery clears key so a future delivery with the same
// identity is treated as new. The Step Runner's Handler calls it once
// RunStep has returned, whether or not RunStep failed; an explicit
// retry (§4.E) clears the step's natural key through the backend's
// InboxClear instead.
func (g *Guard) ReleaseDelivery(ctx context.Context, key string) error {
	return g.backend.InboxClear(ctx, key)
}
