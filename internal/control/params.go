package control

import (
	"fmt"

	"github.com/xixigan/Good-GYM/modules/framesource"
)

func stringParam(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing param %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("param %q must be a non-empty string", key)
	}
	return s, nil
}

func boolParam(params map[string]interface{}, key string) (bool, error) {
	v, ok := params[key]
	if !ok {
		return false, fmt.Errorf("missing param %q", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("param %q must be a boolean", key)
	}
	return b, nil
}

// sourceParam reads {"file": path, "loop": bool} or {"camera": index}.
func sourceParam(params map[string]interface{}) (framesource.Spec, error) {
	var spec framesource.Spec

	if file, ok := params["file"]; ok {
		s, ok := file.(string)
		if !ok || s == "" {
			return spec, fmt.Errorf("param \"file\" must be a non-empty string")
		}
		spec.File = s
		if loop, ok := params["loop"]; ok {
			b, ok := loop.(bool)
			if !ok {
				return spec, fmt.Errorf("param \"loop\" must be a boolean")
			}
			spec.Loop = b
		}
		return spec, nil
	}

	cam, ok := params["camera"]
	if !ok {
		return spec, fmt.Errorf("set_source needs \"camera\" or \"file\"")
	}
	// JSON numbers decode as float64.
	f, ok := cam.(float64)
	if !ok || f != float64(int(f)) || f < 0 {
		return spec, fmt.Errorf("param \"camera\" must be a non-negative integer")
	}
	spec.Camera = int(f)
	return spec, nil
}
