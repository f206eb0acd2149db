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

package artifacts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFSStorePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewFS(t.TempDir())

	path, err := s.Put(ctx, "run-1", "step-1", "output.txt", []byte("hello artifact"))
	require.NoError(t, err)
	require.Equal(t, "file://run-1/step-1/output.txt", path)

	data, err := s.Get(ctx, path)
	require.NoError(t, err)
	require.Equal(t, []byte("hello artifact"), data)
}

func TestNewSelectsFSWhenBucketEmpty(t *testing.T) {
	s := New(Config{Root: t.TempDir()})
	_, ok := s.(*FSStore)
	require.True(t, ok)
}

func TestNewSelectsS3WhenBucketSet(t *testing.T) {
	s := New(Config{Bucket: "my-bucket", Region: "us-east-1"})
	s3Store, ok := s.(*S3Store)
	require.True(t, ok)
	require.Equal(t, "artifacts", s3Store.prefix)
}

func TestS3StoreKeyLayout(t *testing.T) {
	s := NewS3("my-bucket", "us-east-1")
	require.Equal(t, "artifacts/run-1/step-1/output.txt", s.key("run-1", "step-1", "output.txt"))
}
