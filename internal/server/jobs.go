package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/app"
)

// Image generation is asynchronous: submission returns a job id and the
// upstream call completes in the background. Settled jobs stay readable
// for jobRetention so a slow poller can still collect the result.
const (
	jobRetention        = 15 * time.Minute
	jobTimeout          = 5 * time.Minute
	maxPendingPerTenant = 8
)

const (
	jobPending   = "pending"
	jobSucceeded = "succeeded"
	jobFailed    = "failed"
)

type imageJob struct {
	ID      string
	Tenant  string
	Status  string
	Created time.Time
	Settled time.Time
	Resp    *gateway.ImageResponse
	Meta    *app.Meta
	Err     *gateway.APIError
}

// jobStore tracks in-flight and recently settled image jobs. It is
// in-process only: jobs do not survive a restart, and pollers of a lost
// job see not-found and resubmit.
type jobStore struct {
	mu   sync.Mutex
	jobs map[string]*imageJob
}

func newJobStore() *jobStore {
	return &jobStore{jobs: make(map[string]*imageJob)}
}

// create registers a pending job. Creation doubles as the pruning point:
// settled jobs past retention are dropped, and the tenant's pending count
// is capped so a poller that never collects cannot grow the map unbounded.
func (s *jobStore) create(tenant string, now time.Time) (*imageJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := 0
	for id, j := range s.jobs {
		if j.Status != jobPending && now.Sub(j.Settled) > jobRetention {
			delete(s.jobs, id)
			continue
		}
		if j.Status == jobPending && j.Tenant == tenant {
			pending++
		}
	}
	if pending >= maxPendingPerTenant {
		return nil, gateway.E(gateway.CodeQuotaExceeded, "too many pending image jobs")
	}
	j := &imageJob{
		ID:      uuid.Must(uuid.NewV7()).String(),
		Tenant:  tenant,
		Status:  jobPending,
		Created: now,
	}
	s.jobs[j.ID] = j
	return j, nil
}

// settle records the outcome of a job's background dispatch.
func (s *jobStore) settle(id string, resp *gateway.ImageResponse, meta *app.Meta, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return
	}
	j.Settled = time.Now()
	j.Meta = meta
	if err != nil {
		j.Status = jobFailed
		j.Err = gateway.AsAPIError(err)
		return
	}
	j.Status = jobSucceeded
	j.Resp = resp
}

// get returns a snapshot of the job, scoped to the requesting tenant.
// Foreign and unknown ids are indistinguishable.
func (s *jobStore) get(id, tenant string) (imageJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Tenant != tenant {
		return imageJob{}, false
	}
	return *j, true
}
