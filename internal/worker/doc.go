// Package worker is the request interceptor. It owns two cache partitions (a
// versioned static partition and a long-lived runtime partition), runs the
// install/activate lifecycle that reconciles them on each deployment, and
// routes every intercepted request to one of four strategies:
// cache-first-with-fill, stale-while-revalidate, network-first, or default
// (plain network, no cache interaction).
package worker
