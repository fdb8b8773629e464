// Package mcp implements a local Model Context Protocol (MCP) host: it discovers provider
// processes running on the same machine, caches the capabilities they expose and calls
// their tools through JSON-RPC messages carried over a synchronous call/return channel.
//
// The host side is made of a Registry, which queries a ServiceLocator, probes every
// candidate and hands out one lazily connected Connection per provider, and a Host facade
// on top of it. The provider side is a Server dispatching requests delivered by a
// ServerChannel, which bridges the synchronous inbound call to asynchronous handlers
// through a worker pool and per-request futures.
//
// SocketBinder and SocketServer provide the call primitive over unix or tcp sockets.
// Providers are found either through the servicemanager package or through YAML
// manifests dropped in a directory (DirLocator).
package mcp
