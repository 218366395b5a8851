package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/prezel/prezel/pkg/types"
)

var (
	// Bucket names
	bucketProjects    = []byte("projects")
	bucketDeployments = []byte("deployments")
	bucketBuildLogs   = []byte("build_logs")
)

// BoltStore implements Store using BoltDB. Projects and deployments are
// stored as JSON documents keyed by id, which keeps each multi-row write
// (row plus its env snapshot) inside a single bolt transaction. Build logs
// live in their own bucket keyed by deployment id plus a sequence number so
// a prefix scan returns them in emit order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the metadata store at the given path.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketProjects, bucketDeployments, bucketBuildLogs}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Project operations

func (s *BoltStore) UpsertProject(project *types.Project) error {
	if project.ID == "" {
		project.ID = types.NewID()
	}
	if project.Created == 0 {
		project.Created = types.NowMillis()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		// project names are unique
		var conflict bool
		b.ForEach(func(k, v []byte) error {
			var existing types.Project
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Name == project.Name && existing.ID != project.ID {
				conflict = true
			}
			return nil
		})
		if conflict {
			return fmt.Errorf("project %q: %w", project.Name, ErrConflict)
		}
		data, err := json.Marshal(project)
		if err != nil {
			return fmt.Errorf("failed to marshal project: %w", err)
		}
		return b.Put([]byte(project.ID), data)
	})
}

func (s *BoltStore) UpdateProject(id string, update types.UpdateProject) error {
	return s.updateProject(id, func(project *types.Project) error {
		if update.Name != nil {
			project.Name = *update.Name
		}
		if update.CustomDomains != nil {
			project.CustomDomains = *update.CustomDomains
		}
		return nil
	})
}

func (s *BoltStore) updateProject(id string, mutate func(*types.Project) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		var project types.Project
		if err := json.Unmarshal(data, &project); err != nil {
			return err
		}
		if err := mutate(&project); err != nil {
			return err
		}
		updated, err := json.Marshal(&project)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStore) DeleteProject(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).Delete([]byte(id))
	})
}

func (s *BoltStore) GetProject(id string) (*types.Project, error) {
	var project *types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProjects).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		project = &types.Project{}
		return json.Unmarshal(data, project)
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

func (s *BoltStore) GetProjectByName(name string) (*types.Project, error) {
	projects, err := s.ListProjects()
	if err != nil {
		return nil, err
	}
	for _, project := range projects {
		if project.Name == name {
			return project, nil
		}
	}
	return nil, fmt.Errorf("project %q: %w", name, ErrNotFound)
}

func (s *BoltStore) ListProjects() ([]*types.Project, error) {
	var projects []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
			var project types.Project
			if err := json.Unmarshal(v, &project); err != nil {
				return err
			}
			projects = append(projects, &project)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// Env operations

func (s *BoltStore) UpsertEnv(projectID, name, value string) error {
	return s.updateProject(projectID, func(project *types.Project) error {
		edited := types.NowMillis()
		for i, env := range project.Env {
			if env.Name == name {
				project.Env[i].Value = value
				project.Env[i].Edited = edited
				return nil
			}
		}
		project.Env = append(project.Env, types.EditedEnvVar{
			Name:   name,
			Value:  value,
			Edited: edited,
		})
		return nil
	})
}

func (s *BoltStore) DeleteEnv(projectID, name string) error {
	return s.updateProject(projectID, func(project *types.Project) error {
		for i, env := range project.Env {
			if env.Name == name {
				project.Env = append(project.Env[:i], project.Env[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

// Deployment operations

func (s *BoltStore) InsertDeployment(insert types.InsertDeployment, config types.DeploymentConfig) (string, error) {
	deployment := types.Deployment{
		ID:            types.NewID(),
		Slug:          types.NewID(),
		Timestamp:     insert.Timestamp,
		Created:       types.NowMillis(),
		Sha:           insert.Sha,
		Branch:        insert.Branch,
		DefaultBranch: insert.DefaultBranch,
		Result:        insert.Result,
		Project:       insert.Project,
		Config:        config,
		Env:           insert.Env,
	}
	data, err := json.Marshal(&deployment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal deployment: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).Put([]byte(deployment.ID), data)
	})
	if err != nil {
		return "", err
	}
	return deployment.ID, nil
}

func (s *BoltStore) updateDeployment(id string, mutate func(*types.Deployment)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
		}
		var deployment types.Deployment
		if err := json.Unmarshal(data, &deployment); err != nil {
			return err
		}
		mutate(&deployment)
		updated, err := json.Marshal(&deployment)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// DeleteDeployment soft-deletes: the row stays for history but is hidden
// from ListDeployments, so the next world-model rebuild drops it.
func (s *BoltStore) DeleteDeployment(id string) error {
	return s.updateDeployment(id, func(deployment *types.Deployment) {
		deployment.Deleted = true
	})
}

func (s *BoltStore) GetDeployment(id string) (*types.Deployment, error) {
	var deployment *types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeployments).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
		}
		deployment = &types.Deployment{}
		return json.Unmarshal(data, deployment)
	})
	if err != nil {
		return nil, err
	}
	if deployment.Deleted {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	return deployment, nil
}

func (s *BoltStore) ListDeployments() ([]*types.Deployment, error) {
	var deployments []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(k, v []byte) error {
			var deployment types.Deployment
			if err := json.Unmarshal(v, &deployment); err != nil {
				return err
			}
			if !deployment.Deleted {
				deployments = append(deployments, &deployment)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return deployments, nil
}

// ListDeploymentsWithProject joins non-deleted deployments with their
// projects from a single read transaction. Deployments whose project no
// longer exists are dropped silently.
func (s *BoltStore) ListDeploymentsWithProject() ([]types.DeploymentWithProject, error) {
	var joined []types.DeploymentWithProject
	err := s.db.View(func(tx *bolt.Tx) error {
		projects := make(map[string]*types.Project)
		err := tx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
			var project types.Project
			if err := json.Unmarshal(v, &project); err != nil {
				return err
			}
			projects[project.ID] = &project
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDeployments).ForEach(func(k, v []byte) error {
			var deployment types.Deployment
			if err := json.Unmarshal(v, &deployment); err != nil {
				return err
			}
			if deployment.Deleted {
				return nil
			}
			project, ok := projects[deployment.Project]
			if !ok {
				return nil
			}
			joined = append(joined, types.DeploymentWithProject{
				Deployment: &deployment,
				Project:    project,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return joined, nil
}

func (s *BoltStore) UpdateDeploymentResult(id string, result types.BuildResult) error {
	return s.updateDeployment(id, func(deployment *types.Deployment) {
		deployment.Result = &result
	})
}

func (s *BoltStore) UpdateDeploymentBuildStart(id string, started int64) error {
	return s.updateDeployment(id, func(deployment *types.Deployment) {
		deployment.BuildStarted = &started
	})
}

func (s *BoltStore) UpdateDeploymentBuildEnd(id string, finished int64) error {
	return s.updateDeployment(id, func(deployment *types.Deployment) {
		deployment.BuildFinished = &finished
	})
}

func (s *BoltStore) ResetDeploymentBuildEnd(id string) error {
	return s.updateDeployment(id, func(deployment *types.Deployment) {
		deployment.BuildFinished = nil
	})
}

func (s *BoltStore) HashExistsForProject(sha, project string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(k, v []byte) error {
			var deployment types.Deployment
			if err := json.Unmarshal(v, &deployment); err != nil {
				return err
			}
			// deleted rows count: a redeployed sha is still known
			if deployment.Sha == sha && deployment.Project == project {
				found = true
			}
			return nil
		})
	})
	return found, err
}

// GetLatestSuccessfulDefaultBranchDeployment returns the most recently
// created Built default-branch deployment of the project, ties broken by
// the lexicographically greater id.
func (s *BoltStore) GetLatestSuccessfulDefaultBranchDeployment(project string) (*types.Deployment, error) {
	deployments, err := s.ListDeployments()
	if err != nil {
		return nil, err
	}
	var latest *types.Deployment
	for _, deployment := range deployments {
		if deployment.Project != project || !deployment.DefaultBranch {
			continue
		}
		if deployment.Result == nil || *deployment.Result != types.BuildResultBuilt {
			continue
		}
		if latest == nil || deployment.Created > latest.Created ||
			(deployment.Created == latest.Created && deployment.ID > latest.ID) {
			latest = deployment
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no successful deployment for project %s: %w", project, ErrNotFound)
	}
	return latest, nil
}

// Build log operations

func buildLogPrefix(deployment string) []byte {
	return []byte(deployment + "/")
}

func (s *BoltStore) InsertBuildLog(deployment, content string, isError bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuildLogs)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry := types.BuildLog{
			ID:         int64(seq),
			Deployment: deployment,
			Timestamp:  types.NowMillis(),
			Content:    content,
			Error:      isError,
		}
		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		key := make([]byte, 0, len(deployment)+9)
		key = append(key, buildLogPrefix(deployment)...)
		key = binary.BigEndian.AppendUint64(key, seq)
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetBuildLogs(deployment string) ([]types.BuildLog, error) {
	var logs []types.BuildLog
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBuildLogs).Cursor()
		prefix := buildLogPrefix(deployment)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry types.BuildLog
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			logs = append(logs, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *BoltStore) ClearBuildLogs(deployment string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuildLogs)
		c := b.Cursor()
		prefix := buildLogPrefix(deployment)
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
