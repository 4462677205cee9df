// Package obs receives what happens to sessions and datagrams as Events and
// renders them as log lines (logrus) or Prometheus metrics. The relay core
// only emits events; it never logs directly.
package obs
