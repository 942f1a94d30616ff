package faceauth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// fakeProvider embeds an image as a one-dimensional vector holding the id
// registered for its payload, and scores pairs from a lookup table.
type fakeProvider struct {
	mu        sync.Mutex
	ids       map[string]float32
	failEmbed map[string]error
	scores    map[[2]float32]float64
	embeds    atomic.Int64
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		ids:       map[string]float32{},
		failEmbed: map[string]error{},
		scores:    map[[2]float32]float64{},
	}
}

func (p *fakeProvider) image(payload string) Image {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.ids[payload]; !ok {
		p.ids[payload] = float32(len(p.ids) + 1)
	}
	return Image{Data: []byte(payload)}
}

func (p *fakeProvider) setScore(a, b string, score float64) {
	p.image(a)
	p.image(b)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scores[[2]float32{p.ids[a], p.ids[b]}] = score
}

func (p *fakeProvider) fail(payload string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failEmbed[payload] = err
}

func (p *fakeProvider) Embed(_ context.Context, img Image) (Vector, error) {
	p.embeds.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failEmbed[string(img.Data)]; ok {
		return nil, err
	}
	id, ok := p.ids[string(img.Data)]
	if !ok {
		return nil, errors.New("undecodable image")
	}
	return Vector{id}, nil
}

func (p *fakeProvider) Similarity(a, b Vector) (float64, error) {
	if len(a) != 1 || len(b) != 1 {
		return 0, errors.New("dimension mismatch")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if score, ok := p.scores[[2]float32{a[0], b[0]}]; ok {
		return score, nil
	}
	return 0, nil
}

// fakeStore is an in-memory ReferenceStore with failure injection.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	listErr error
	getErrs map[string]error
	gets    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, getErrs: map[string]error{}}
}

func (s *fakeStore) put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
}

func (s *fakeStore) putN(userID string, n int, ext string) []string {
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("ref_%02d%s", i, ext)
		s.put(userID+"/"+name, []byte(userID+":"+name))
		names = append(names, name)
	}
	return names
}

func (s *fakeStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var keys []string
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys, nil
}

func (s *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets = append(s.gets, key)
	if err, ok := s.getErrs[key]; ok {
		return nil, err
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (s *fakeStore) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.gets)
}
