// Package cache provides a generic, content-addressed cache of expensive
// objects with asynchronous creation and frame-paced garbage collection.
//
// It is designed for GPU pipeline state objects: render and compute
// pipelines and the shader modules they are built from. Objects are keyed by
// descriptor value, created at most once per key, and destroyed only after the
// GPU can no longer reference them.
//
// # Keys and objects
//
// A Key is obtained with CreateKey and released with FreeKey. Install takes an
// object reference and starts creation on first use; it never blocks:
//
//	key := c.CreateKey(desc)
//	defer c.FreeKey(key)
//
//	switch c.Install(key) {
//	case cache.StatusInstalled:
//	    obj, _ := c.Find(key)
//	    draw(obj)
//	case cache.StatusRequested:
//	    // skip this frame, try again next frame
//	case cache.StatusFailed:
//	    log(c.Err(key))
//	}
//	c.Uninstall(key)
//
// # Frames
//
// The frame driver calls NewFrame once per frame and GarbageCollect with the
// oldest frame the GPU may still be executing. A key is collected when it has
// no key references, has not been touched since before that frame, and has no
// creation in flight. Releasing the last reference stamps the key one frame
// ahead, so an object freed during frame N survives GarbageCollect(N+1).
//
// # Thread Safety
//
// Cache is safe for concurrent use. Only NewFrame requires a single caller.
// Neither Cache nor Key should be copied.
package cache
