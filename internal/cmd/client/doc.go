// Package clientcmd implements the CLI commands that speak to a running
// relay server over its HTTP API.
package clientcmd
