// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	experimentCollection     = "experiments"
	experimentConnectTimeout = 10 * time.Second
	experimentMaxPoolSize    = 20
	experimentMinPoolSize    = 2
)

// ExperimentStore persists experiment definitions in MongoDB. The
// overlay holds the hot copy; the store is the durable source the
// overlay refreshes from and writes rollbacks back to.
type ExperimentStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *log.Logger
}

// NewExperimentStore connects to MongoDB and verifies the connection
// with a primary ping before returning.
func NewExperimentStore(ctx context.Context, uri, database string) (*ExperimentStore, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongodb uri is required")
	}
	if database == "" {
		database = "axonflow"
	}

	clientOpts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(experimentMaxPoolSize).
		SetMinPoolSize(experimentMinPoolSize).
		SetConnectTimeout(experimentConnectTimeout)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, experimentConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	s := &ExperimentStore{
		client: client,
		coll:   client.Database(database).Collection(experimentCollection),
		logger: log.New(os.Stdout, "[EXPERIMENT_STORE] ", log.LstdFlags),
	}
	s.logger.Printf("Connected to MongoDB database %s", database)
	return s, nil
}

// Load returns every stored experiment.
func (s *ExperimentStore) Load(ctx context.Context) ([]Experiment, error) {
	cursor, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to load experiments: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Experiment
	for cursor.Next(ctx) {
		var exp Experiment
		if err := cursor.Decode(&exp); err != nil {
			s.logger.Printf("Warning: skipping undecodable experiment: %v", err)
			continue
		}
		out = append(out, exp)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("experiment cursor failed: %w", err)
	}
	return out, nil
}

// Save upserts an experiment definition by its ID.
func (s *ExperimentStore) Save(ctx context.Context, exp Experiment) error {
	if exp.ID == "" || exp.AppID == "" {
		return fmt.Errorf("experiment id and app_id are required")
	}
	exp.UpdatedAt = time.Now().UTC()
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = exp.UpdatedAt
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := s.coll.ReplaceOne(ctx, bson.M{"_id": exp.ID}, exp, opts); err != nil {
		return fmt.Errorf("failed to save experiment %s: %w", exp.ID, err)
	}
	return nil
}

// MarkRolledBack persists an automatic rollback so restarts do not
// resurrect a rolled-back experiment.
func (s *ExperimentStore) MarkRolledBack(ctx context.Context, expID string, at time.Time) error {
	update := bson.M{"$set": bson.M{
		"status":         ExperimentRolledBack,
		"traffic_pct":    0.0,
		"rolled_back_at": at,
		"updated_at":     time.Now().UTC(),
	}}
	if _, err := s.coll.UpdateOne(ctx, bson.M{"_id": expID}, update); err != nil {
		return fmt.Errorf("failed to mark experiment %s rolled back: %w", expID, err)
	}
	return nil
}

// Close disconnects from MongoDB.
func (s *ExperimentStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from mongodb: %w", err)
	}
	return nil
}
