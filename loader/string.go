package loader

import (
	"fmt"
	"sync"

	"github.com/go-airspeed/airspeed/parser"
)

// StringLoader serves templates registered in memory, useful for tests and
// hosts that keep templates as Go string constants (grounded on the
// teacher's StringLoader).
type StringLoader struct {
	mu        sync.RWMutex
	templates map[string]string
}

func NewStringLoader() *StringLoader {
	return &StringLoader{templates: make(map[string]string)}
}

func (s *StringLoader) AddTemplate(name, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[name] = content
}

func (s *StringLoader) LoadText(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.templates[name]
	if !ok {
		return "", fmt.Errorf("loader: template not found: %s", name)
	}
	return content, nil
}

func (s *StringLoader) LoadTemplate(name string) (*parser.TemplateNode, error) {
	src, err := s.LoadText(name)
	if err != nil {
		return nil, err
	}
	return parser.Parse(name, src)
}
