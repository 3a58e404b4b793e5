package core

import (
	"errors"
	"fmt"
)

var ErrNoInstances = errors.New("scene: no instances")

// Scene is one mesh placed any number of times. Each Transform becomes one
// top-level instance of the same bottom-level structure.
type Scene struct {
	Mesh      *Mesh
	Instances []*Transform
	Camera    Camera
}

// NewScene places mesh once with the identity transform.
func NewScene(mesh *Mesh) *Scene {
	return &Scene{
		Mesh:      mesh,
		Instances: []*Transform{NewTransform()},
		Camera:    DefaultCamera(),
	}
}

func (s *Scene) AddInstance(t *Transform) {
	s.Instances = append(s.Instances, t)
}

// Validate runs before any device resource is created.
func (s *Scene) Validate() error {
	if s.Mesh == nil {
		return ErrEmptyMesh
	}
	if err := s.Mesh.Validate(); err != nil {
		return err
	}
	if len(s.Instances) == 0 {
		return ErrNoInstances
	}
	for i, t := range s.Instances {
		if t == nil {
			return fmt.Errorf("scene: instance %d has no transform", i)
		}
		if t.Scale.X() == 0 || t.Scale.Y() == 0 || t.Scale.Z() == 0 {
			return fmt.Errorf("scene: instance %d has a zero scale component", i)
		}
	}
	return nil
}
