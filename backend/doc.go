// Package backend selects a driver.Device implementation by name.
//
// Two backends are registered on import:
//
//   - "native": the gogpu/wgpu HAL, through backend/native. The HAL backends
//     themselves must be linked in, usually by importing
//     github.com/gogpu/wgpu/hal/allbackends for side effects.
//   - "cpu": the in-memory device of backend/cpu, always available.
//
// OpenDefault tries them in priority order and falls back when one fails
// to open:
//
//	dev, name, err := backend.OpenDefault()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//	log.Printf("using %s backend", name)
//
// Additional backends can be added with Register.
package backend
