// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// Route is one effect-routing entry: where the publisher sends effects
// of a given type when the effect itself carries no override.
type Route struct {
	// Channel is the realtime channel name. Supports a {session_id}
	// placeholder substituted by the publisher.
	Channel string `json:"channel"`

	// Event is the event name within the channel. Empty means the
	// effect type is used as the event name.
	Event string `json:"event,omitempty"`
}

// Routes maps effect types to routing entries.
type Routes struct {
	Routes map[string]Route `json:"routes"`
}

// Lookup returns the route for an effect type, if one is configured.
func (r *Routes) Lookup(effectType string) (Route, bool) {
	if r == nil {
		return Route{}, false
	}
	route, ok := r.Routes[effectType]
	return route, ok
}

// ParseRoutes strips JSONC comments and trailing commas from data,
// then unmarshals the result into a Routes table. The input format is
// plain JSON extended with // line comments, /* block comments */, and
// trailing commas.
func ParseRoutes(data []byte) (*Routes, error) {
	stripped := jsonc.ToJSON(data)

	var routes Routes
	if err := json.Unmarshal(stripped, &routes); err != nil {
		return nil, fmt.Errorf("parsing routes: %w", err)
	}

	for effectType, route := range routes.Routes {
		if route.Channel == "" {
			return nil, fmt.Errorf("route %q: channel is required", effectType)
		}
	}

	return &routes, nil
}

// LoadRoutes reads a JSONC routes file from disk and parses it.
func LoadRoutes(path string) (*Routes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading routes file: %w", err)
	}

	routes, err := ParseRoutes(data)
	if err != nil {
		return nil, fmt.Errorf("routes file %s: %w", path, err)
	}
	return routes, nil
}
