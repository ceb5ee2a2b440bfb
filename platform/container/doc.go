// Package container implements a backend that runs commands in Docker
// containers through the Engine API.
//
// Each Spawn creates a container labelled with the session id, keeps it
// alive with a no-op process and runs the command through docker exec.
// Proxy variables in the command environment point at the host through
// host.docker.internal on bridge networks, or at loopback with host
// networking. A container on network "none" gets no proxy at all.
package container
