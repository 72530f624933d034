package usecase

import "sync"

// SubjectSequencer - мьютекс на каждый subject id со счетчиком ссылок.
// Несвязанные получатели никогда не делят блокировку, неиспользуемые записи удаляются.
type SubjectSequencer struct {
	mu    sync.Mutex
	locks map[string]*subjectLock
}

type subjectLock struct {
	mu   sync.Mutex
	refs int
}

func NewSubjectSequencer() *SubjectSequencer {
	return &SubjectSequencer{locks: make(map[string]*subjectLock)}
}

// Lock захватывает блокировку получателя и возвращает функцию освобождения
func (s *SubjectSequencer) Lock(subjectID string) (unlock func()) {
	s.mu.Lock()
	l, ok := s.locks[subjectID]
	if !ok {
		l = &subjectLock{}
		s.locks[subjectID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			s.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(s.locks, subjectID)
			}
			s.mu.Unlock()
		})
	}
}

// Len - число получателей, для которых сейчас есть запись
func (s *SubjectSequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
