package backend

import (
	"context"

	"github.com/appwharf/appwharf/core/fn"
	"github.com/appwharf/appwharf/core/logger"
	"github.com/appwharf/appwharf/core/storage"
)

// identityProxy returns the instance unchanged.
func identityProxy(instance storage.Instance) storage.Instance {
	return instance
}

// proxyFor returns the outgoing transform of an object type. Types without
// a proxy handler, and types naming an unregistered one, get the identity
// transform; the latter is logged.
func (b *Backend) proxyFor(ctx context.Context, objectType *storage.ObjectType) fn.Proxy {
	if objectType.ProxyFun == "" {
		return identityProxy
	}
	proxy, ok := b.fns.Proxy(objectType.ProxyFun)
	if !ok {
		logger.FromContext(ctx).WithField("proxy_fun", objectType.ProxyFun).
			Warn("proxy handler not registered, using identity")
		return identityProxy
	}
	return func(instance storage.Instance) storage.Instance {
		return applyProxy(ctx, proxy, instance)
	}
}

// applyProxy shields callers from a failing proxy. A panic degrades to the
// untransformed instance and is logged.
func applyProxy(ctx context.Context, proxy fn.Proxy, instance storage.Instance) (result storage.Instance) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Errorf("proxy handler failed: %v", r)
			result = instance
		}
	}()
	return proxy(instance)
}
