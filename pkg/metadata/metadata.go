/*
Copyright 2022-2024 EscherCloud.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metadata serves the launch metadata guests walk over HTTP,
// the directory shaped tree under /latest/meta-data and friends.  The
// caller is identified by source address alone, so the routes must only
// ever be reachable from the guest network.
package metadata

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/spf13/pflag"

	"github.com/eschercloudai/stratus/pkg/cloud"
)

// Versions are the dated metadata trees served, oldest first.  The
// latest alias is routed as well but never listed.
//
//nolint:gochecknoglobals
var Versions = []string{
	"1.0",
	"2007-01-19",
	"2007-03-01",
	"2007-08-29",
	"2007-10-10",
	"2007-12-15",
	"2008-02-01",
	"2008-09-01",
	"2009-04-04",
}

// Options configure the per address metadata cache.
type Options struct {
	// CacheSize bounds how many guests' trees are held.
	CacheSize int

	// CacheTTL bounds how stale a served tree may be.
	CacheTTL time.Duration
}

// AddFlags adds the options to the given flag set.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.IntVar(&o.CacheSize, "metadata-cache-size", 1024, "How many guests' metadata trees are cached.")
	f.DurationVar(&o.CacheTTL, "metadata-cache-ttl", 15*time.Second, "How long a cached metadata tree may be served.")
}

// node is one point in the tree, a value or a directory.
type node struct {
	// name is shown in the parent's listing after an equals sign, e.g.
	// the key pair name behind public-keys/0.
	name string

	// value is the leaf payload.
	value string

	// children makes the node a directory.
	children map[string]*node
}

func (n *node) dir() bool {
	return n.children != nil
}

// lookup walks the given slash separated path.  Walking into a leaf
// stops at the leaf, a child that doesn't exist is nil.
func (n *node) lookup(path string) *node {
	current := n

	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}

		if !current.dir() {
			return current
		}

		child, ok := current.children[part]
		if !ok {
			return nil
		}

		current = child
	}

	return current
}

// render returns a leaf's payload, or a directory listing with
// subdirectories marked by a trailing slash and named entries rendered
// as key=name.
func (n *node) render() string {
	if !n.dir() {
		return n.value
	}

	keys := make([]string, 0, len(n.children))

	for key := range n.children {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	lines := make([]string, len(keys))

	for i, key := range keys {
		line := key

		if child := n.children[key]; child.dir() {
			if child.name != "" {
				line += "=" + child.name
			} else {
				line += "/"
			}
		}

		lines[i] = line
	}

	return strings.Join(lines, "\n")
}

// convert shapes a controller metadata value into a tree node.  Lists
// collapse to a leaf of one element per line.
func convert(value interface{}) *node {
	switch typed := value.(type) {
	case map[string]interface{}:
		dir := &node{children: make(map[string]*node, len(typed))}

		for key, child := range typed {
			dir.children[key] = convert(child)
		}

		return dir
	case []string:
		return &node{value: strings.Join(typed, "\n")}
	case string:
		return &node{value: typed}
	default:
		return &node{value: fmt.Sprintf("%v", typed)}
	}
}

// buildTree shapes one instance's metadata into the tree the guest
// walks.
func buildTree(meta *cloud.InstanceMetadata) *node {
	// User data is stored base64 and served decoded.  Anything that
	// doesn't decode is served as it came in.
	userData := meta.UserData

	if decoded, err := base64.StdEncoding.DecodeString(userData); err == nil {
		userData = string(decoded)
	}

	data := convert(meta.Meta)

	// Key pairs list under public-keys by slot, as 0=name.
	if meta.KeyName != "" {
		if keys, ok := data.children["public-keys"]; ok && keys.dir() {
			for _, slot := range keys.children {
				slot.name = meta.KeyName
			}
		}
	}

	return &node{
		children: map[string]*node{
			"meta-data": data,
			"user-data": {value: userData},
		},
	}
}

// Handler serves the metadata tree for whichever guest is asking.
type Handler struct {
	cloud *cloud.Controller
	cache *expirable.LRU[string, *node]
}

// NewHandler returns a handler backed by the given controller.
func NewHandler(controller *cloud.Controller, options *Options) *Handler {
	return &Handler{
		cloud: controller,
		cache: expirable.NewLRU[string, *node](options.CacheSize, nil, options.CacheTTL),
	}
}

// Routes returns the router for a single version subtree, to be mounted
// at each version root.
func (h *Handler) Routes() *chi.Mux {
	router := chi.NewRouter()
	router.Get("/*", h.serve)

	return router
}

// tree returns the guest's metadata tree, from cache when fresh.
func (h *Handler) tree(ctx context.Context, address string) (*node, error) {
	if root, ok := h.cache.Get(address); ok {
		return root, nil
	}

	meta, err := h.cloud.Metadata(ctx, address)
	if err != nil {
		return nil, err
	}

	root := buildTree(meta)

	h.cache.Add(address, root)

	return root, nil
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	log := logr.FromContextOrDiscard(r.Context())

	address := r.RemoteAddr

	if host, _, err := net.SplitHostPort(address); err == nil {
		address = host
	}

	root, err := h.tree(r.Context(), address)
	if err != nil {
		log.Error(err, "failed to get metadata", "address", address)

		http.NotFound(w, r)

		return
	}

	data := root.lookup(chi.URLParam(r, "*"))
	if data == nil {
		http.NotFound(w, r)

		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if _, err := w.Write([]byte(data.render())); err != nil {
		log.Error(err, "failed to write response")
	}
}
