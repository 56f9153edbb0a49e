package bpsec

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// keyCacheEntry is the cache key for a derived/looked-up key: the
// identifier, the context it was resolved for, and the operation, since
// the same kid can resolve to different material for sign versus verify.
type keyCacheEntry struct {
	kid       string
	contextID uint64
	op        Operation
}

// KeyCache bounds memory held by repeatedly-derived BPSec keys, per spec
// §4.3.1's "derive(params) -> Key" path being potentially expensive (e.g.
// an AES-KW unwrap). It never stores the zero value returned on a miss.
type KeyCache struct {
	lru *lru.Cache[keyCacheEntry, Key]
}

// NewKeyCache builds a bounded cache holding at most size entries.
func NewKeyCache(size int) (*KeyCache, error) {
	c, err := lru.New[keyCacheEntry, Key](size)
	if err != nil {
		return nil, err
	}
	return &KeyCache{lru: c}, nil
}

// Get returns a cached key, if any.
func (c *KeyCache) Get(kid string, contextID uint64, op Operation) (Key, bool) {
	return c.lru.Get(keyCacheEntry{kid, contextID, op})
}

// Put remembers a resolved key for later reuse.
func (c *KeyCache) Put(kid string, contextID uint64, op Operation, key Key) {
	c.lru.Add(keyCacheEntry{kid, contextID, op}, key)
}

// CachingProvider wraps a ContextProvider with a bounded derive cache,
// leaving LookupKey calls (cheap map/store lookups) to pass straight
// through.
type CachingProvider struct {
	inner ContextProvider
	cache *KeyCache
}

// NewCachingProvider wraps inner with a cache of the given size.
func NewCachingProvider(inner ContextProvider, size int) (*CachingProvider, error) {
	cache, err := NewKeyCache(size)
	if err != nil {
		return nil, err
	}
	return &CachingProvider{inner: inner, cache: cache}, nil
}

func (p *CachingProvider) LookupKey(kid string, contextID uint64, op Operation) (Key, bool, error) {
	return p.inner.LookupKey(kid, contextID, op)
}

func (p *CachingProvider) Derive(params DeriveParams) (Key, error) {
	kid := params.Source
	if key, ok := p.cache.Get(kid, params.ContextID, OperationDecrypt); ok {
		return key, nil
	}
	key, err := p.inner.Derive(params)
	if err != nil {
		return Key{}, err
	}
	p.cache.Put(kid, params.ContextID, OperationDecrypt, key)
	return key, nil
}
