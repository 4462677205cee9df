// Package conn holds small net.Conn and net.Listener helpers shared by the
// listeners.
package conn
