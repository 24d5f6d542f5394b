package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/machshop/workflow/pkg/models"
)

// MemoryStore is an in-process Store used by unit tests and dev mode. It
// mirrors the Postgres store's semantics, including version-checked updates,
// so engine behavior is identical against either backend.
type MemoryStore struct {
	mu sync.Mutex

	definitions map[string]*models.WorkflowDefinition
	instances   map[string]*models.WorkflowInstance
	stages      map[string]*models.WorkflowStageInstance
	assignments map[string]*models.WorkflowAssignment
	groups      map[string]*models.WorkflowParallelCoordination // keyed stageInstanceID+"/"+groupID
	history     []*models.WorkflowHistory
	delegations map[string]*models.WorkflowDelegation

	assignmentOrder []string // creation order, for round-robin lookups
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*models.WorkflowDefinition),
		instances:   make(map[string]*models.WorkflowInstance),
		stages:      make(map[string]*models.WorkflowStageInstance),
		assignments: make(map[string]*models.WorkflowAssignment),
		groups:      make(map[string]*models.WorkflowParallelCoordination),
		delegations: make(map[string]*models.WorkflowDelegation),
	}
}

func (s *MemoryStore) CreateDefinition(_ context.Context, def *models.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.definitions[def.ID]; ok {
		return ErrDuplicate
	}
	cp := *def
	s.definitions[def.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDefinition(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *def
	return &cp, nil
}

func (s *MemoryStore) DeactivateDefinition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[id]
	if !ok {
		return ErrNotFound
	}
	def.Active = false
	return nil
}

func (s *MemoryStore) CreateInstance(_ context.Context, inst *models.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.instances {
		if other.EntityType == inst.EntityType && other.EntityID == inst.EntityID && !other.Status.Terminal() {
			return ErrDuplicate
		}
	}
	inst.Version = 1
	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (*models.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inst
	cp.Plan = append([]models.WorkflowStage(nil), inst.Plan...)
	return &cp, nil
}

func (s *MemoryStore) GetActiveInstanceByEntity(_ context.Context, entityType, entityID string) (*models.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if inst.EntityType == entityType && inst.EntityID == entityID && !inst.Status.Terminal() {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateInstance(_ context.Context, inst *models.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.instances[inst.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != inst.Version {
		return ErrConflict
	}
	cp := *inst
	cp.Plan = append([]models.WorkflowStage(nil), inst.Plan...)
	cp.Version++
	s.instances[inst.ID] = &cp
	inst.Version = cp.Version
	return nil
}

func (s *MemoryStore) ListInstancesStartedBetween(_ context.Context, from, to time.Time) ([]*models.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowInstance
	for _, inst := range s.instances {
		if !inst.StartedAt.Before(from) && inst.StartedAt.Before(to) {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) CreateStageInstance(_ context.Context, si *models.WorkflowStageInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.stages {
		if other.InstanceID == si.InstanceID && other.StageNumber == si.StageNumber {
			return ErrDuplicate
		}
	}
	si.Version = 1
	cp := *si
	s.stages[si.ID] = &cp
	return nil
}

func (s *MemoryStore) GetStageInstance(_ context.Context, id string) (*models.WorkflowStageInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	si, ok := s.stages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *si
	return &cp, nil
}

func (s *MemoryStore) GetStageInstanceByNumber(_ context.Context, instanceID string, stageNumber int) (*models.WorkflowStageInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, si := range s.stages {
		if si.InstanceID == instanceID && si.StageNumber == stageNumber {
			cp := *si
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateStageInstance(_ context.Context, si *models.WorkflowStageInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.stages[si.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != si.Version {
		return ErrConflict
	}
	cp := *si
	cp.Version++
	s.stages[si.ID] = &cp
	si.Version = cp.Version
	return nil
}

func (s *MemoryStore) CreateAssignment(_ context.Context, a *models.WorkflowAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assignments[a.ID]; ok {
		return ErrDuplicate
	}
	cp := *a
	s.assignments[a.ID] = &cp
	s.assignmentOrder = append(s.assignmentOrder, a.ID)
	return nil
}

func (s *MemoryStore) GetAssignment(_ context.Context, id string) (*models.WorkflowAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) RecordAssignmentAction(_ context.Context, id string, action models.AssignmentAction, comments, signatureRef string, at time.Time) (*models.WorkflowAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Action != "" || a.Status != models.AssignmentOpen {
		return nil, ErrAssignmentClosed
	}
	a.Action = action
	a.Comments = comments
	a.SignatureRef = signatureRef
	a.Status = models.AssignmentClosed
	acted := at
	a.ActedAt = &acted
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) CloseAssignment(_ context.Context, id string, action models.AssignmentAction, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != models.AssignmentOpen {
		return ErrAssignmentClosed
	}
	a.Action = action
	a.Status = models.AssignmentClosed
	acted := at
	a.ActedAt = &acted
	return nil
}

func (s *MemoryStore) SetAssignmentEscalation(_ context.Context, id string, escalatedToID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return ErrNotFound
	}
	a.EscalatedToID = escalatedToID
	return nil
}

func (s *MemoryStore) ListAssignmentsByStage(_ context.Context, stageInstanceID string) ([]*models.WorkflowAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(a *models.WorkflowAssignment) bool {
		return a.StageInstanceID == stageInstanceID
	}), nil
}

func (s *MemoryStore) ListOpenAssignmentsByInstance(_ context.Context, instanceID string) ([]*models.WorkflowAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(a *models.WorkflowAssignment) bool {
		return a.InstanceID == instanceID && a.Status == models.AssignmentOpen
	}), nil
}

func (s *MemoryStore) ListOpenAssignmentsByUser(_ context.Context, userID string) ([]*models.WorkflowAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(a *models.WorkflowAssignment) bool {
		return a.AssigneeID == userID && a.Status == models.AssignmentOpen
	}), nil
}

func (s *MemoryStore) ListOpenAssignments(_ context.Context) ([]*models.WorkflowAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(a *models.WorkflowAssignment) bool {
		return a.Status == models.AssignmentOpen
	}), nil
}

// collect returns copies in creation order; callers hold the lock.
func (s *MemoryStore) collect(match func(*models.WorkflowAssignment) bool) []*models.WorkflowAssignment {
	var out []*models.WorkflowAssignment
	for _, id := range s.assignmentOrder {
		if a := s.assignments[id]; a != nil && match(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

func (s *MemoryStore) CountOpenAssignments(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.assignments {
		if a.AssigneeID == userID && a.Status == models.AssignmentOpen {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) LastAssignedAt(_ context.Context, userID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *time.Time
	for _, a := range s.assignments {
		if a.AssigneeID == userID && (last == nil || a.CreatedAt.After(*last)) {
			t := a.CreatedAt
			last = &t
		}
	}
	return last, nil
}

func (s *MemoryStore) LastAssigneeForRole(_ context.Context, role string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.assignmentOrder) - 1; i >= 0; i-- {
		a := s.assignments[s.assignmentOrder[i]]
		if a != nil && a.Role == role {
			return a.AssigneeID, nil
		}
	}
	return "", nil
}

func groupKey(stageInstanceID, groupID string) string {
	return stageInstanceID + "/" + groupID
}

func (s *MemoryStore) CreateGroup(_ context.Context, g *models.WorkflowParallelCoordination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := groupKey(g.StageInstanceID, g.GroupID)
	if _, ok := s.groups[key]; ok {
		return ErrDuplicate
	}
	g.Version = 1
	cp := *g
	s.groups[key] = &cp
	return nil
}

func (s *MemoryStore) GetGroup(_ context.Context, stageInstanceID, groupID string) (*models.WorkflowParallelCoordination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupKey(stageInstanceID, groupID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *MemoryStore) UpdateGroup(_ context.Context, g *models.WorkflowParallelCoordination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := groupKey(g.StageInstanceID, g.GroupID)
	cur, ok := s.groups[key]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != g.Version {
		return ErrConflict
	}
	cp := *g
	cp.Version++
	s.groups[key] = &cp
	g.Version = cp.Version
	return nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, h *models.WorkflowHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.history = append(s.history, &cp)
	return nil
}

func (s *MemoryStore) ListHistory(_ context.Context, instanceID string) ([]*models.WorkflowHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowHistory
	for _, h := range s.history {
		if h.InstanceID == instanceID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateDelegation(_ context.Context, d *models.WorkflowDelegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.delegations[d.ID]; ok {
		return ErrDuplicate
	}
	cp := *d
	s.delegations[d.ID] = &cp
	return nil
}

func (s *MemoryStore) ListDelegationsByDelegator(_ context.Context, userID string) ([]*models.WorkflowDelegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowDelegation
	for _, d := range s.delegations {
		if d.DelegatorID == userID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
