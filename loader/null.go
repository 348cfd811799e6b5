package loader

import (
	"fmt"

	"github.com/go-airspeed/airspeed/parser"
)

// NullLoader fails every lookup. It is the loader a host passes when its
// templates make no #include/#parse references (spec §4.5).
type NullLoader struct{}

func (NullLoader) LoadText(name string) (string, error) {
	return "", fmt.Errorf("loader: template not found: %s", name)
}

func (NullLoader) LoadTemplate(name string) (*parser.TemplateNode, error) {
	return nil, fmt.Errorf("loader: template not found: %s", name)
}
