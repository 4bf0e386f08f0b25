package backend

// SetState overwrites the context's lifecycle state. Exported for package
// pipeline, which owns the state machine transitions; backend
// implementations never call this directly.
func (c *Context) SetState(s State) { c.state = s }

// The Cached*/Cache* pairs below back the pipeline dispatcher's
// capability cache: a capabilities struct filled lazily.
// Each capability is represented as a pointer that is nil until first
// queried; once set it is never cleared, matching the "frozen once
// observed" invariant.

func (c *Context) CachedSize() (int64, bool) {
	if c.caps.size == nil {
		return 0, false
	}
	return *c.caps.size, true
}

func (c *Context) CacheSize(v int64) { c.caps.size = &v }

func (c *Context) CachedBlockSize() (min, preferred, max uint32, ok bool) {
	if c.caps.minBlock == nil {
		return 0, 0, 0, false
	}
	return *c.caps.minBlock, *c.caps.prefBlock, *c.caps.maxBlock, true
}

func (c *Context) CacheBlockSize(min, preferred, max uint32) {
	c.caps.minBlock = &min
	c.caps.prefBlock = &preferred
	c.caps.maxBlock = &max
}

func (c *Context) CachedWrite() (bool, bool) {
	if c.caps.write == nil {
		return false, false
	}
	return *c.caps.write, true
}

func (c *Context) CacheWrite(v bool) { c.caps.write = &v }

func (c *Context) CachedFlush() (bool, bool) {
	if c.caps.flush == nil {
		return false, false
	}
	return *c.caps.flush, true
}

func (c *Context) CacheFlush(v bool) { c.caps.flush = &v }

func (c *Context) CachedRotational() (bool, bool) {
	if c.caps.rotational == nil {
		return false, false
	}
	return *c.caps.rotational, true
}

func (c *Context) CacheRotational(v bool) { c.caps.rotational = &v }

func (c *Context) CachedTrim() (bool, bool) {
	if c.caps.trim == nil {
		return false, false
	}
	return *c.caps.trim, true
}

func (c *Context) CacheTrim(v bool) { c.caps.trim = &v }

func (c *Context) CachedExtents() (bool, bool) {
	if c.caps.extents == nil {
		return false, false
	}
	return *c.caps.extents, true
}

func (c *Context) CacheExtents(v bool) { c.caps.extents = &v }

func (c *Context) CachedMultiConn() (bool, bool) {
	if c.caps.multiConn == nil {
		return false, false
	}
	return *c.caps.multiConn, true
}

func (c *Context) CacheMultiConn(v bool) { c.caps.multiConn = &v }

func (c *Context) CachedZero() (ZeroMode, bool) {
	if c.caps.zero == nil {
		return ZeroNone, false
	}
	return *c.caps.zero, true
}

func (c *Context) CacheZero(v ZeroMode) { c.caps.zero = &v }

func (c *Context) CachedFastZero() (bool, bool) {
	if c.caps.fastZero == nil {
		return false, false
	}
	return *c.caps.fastZero, true
}

func (c *Context) CacheFastZero(v bool) { c.caps.fastZero = &v }

func (c *Context) CachedFUA() (FUAMode, bool) {
	if c.caps.fua == nil {
		return FUANone, false
	}
	return *c.caps.fua, true
}

func (c *Context) CacheFUA(v FUAMode) { c.caps.fua = &v }

func (c *Context) CachedCache() (CacheMode, bool) {
	if c.caps.cache == nil {
		return CacheNone, false
	}
	return *c.caps.cache, true
}

func (c *Context) CacheCache(v CacheMode) { c.caps.cache = &v }
