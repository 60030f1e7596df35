package scheduler

// Store owns task records. The dependency graph only refers to tasks by id.
//
// Store is not safe for concurrent use; the coordinator loop is its only user.
type Store struct {
	tasks map[string]*Task
	order []string // insertion order
}

// NewStore creates an empty task store.
func NewStore() *Store {
	return &Store{
		tasks: make(map[string]*Task),
	}
}

// Add stores a copy of the task.
func (s *Store) Add(task *Task) error {
	if _, exists := s.tasks[task.ID]; exists {
		return &DuplicateTaskError{TaskID: task.ID}
	}
	s.tasks[task.ID] = task.Clone()
	s.order = append(s.order, task.ID)
	return nil
}

// Get returns a copy of the task.
func (s *Store) Get(taskID string) (*Task, bool) {
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// Status returns the task's current status.
func (s *Store) Status(taskID string) (TaskStatus, bool) {
	task, ok := s.tasks[taskID]
	if !ok {
		return TaskPending, false
	}
	return task.Status, true
}

// Update applies fn to the stored record and returns a copy of the result.
func (s *Store) Update(taskID string, fn func(*Task)) (*Task, error) {
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, notFound(taskID)
	}
	fn(task)
	return task.Clone(), nil
}

// Remove deletes a task record. Returns false if it was not present.
func (s *Store) Remove(taskID string) bool {
	if _, ok := s.tasks[taskID]; !ok {
		return false
	}
	delete(s.tasks, taskID)
	for i, id := range s.order {
		if id == taskID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// List returns copies of all tasks in insertion order.
func (s *Store) List() []*Task {
	tasks := make([]*Task, 0, len(s.order))
	for _, id := range s.order {
		tasks = append(tasks, s.tasks[id].Clone())
	}
	return tasks
}

// Filter returns copies of tasks matching pred, in insertion order.
func (s *Store) Filter(pred func(*Task) bool) []*Task {
	var tasks []*Task
	for _, id := range s.order {
		if task := s.tasks[id]; pred(task) {
			tasks = append(tasks, task.Clone())
		}
	}
	return tasks
}

// Len returns the number of stored tasks.
func (s *Store) Len() int {
	return len(s.tasks)
}
