// Package testutil contains helper builders and fakes used across tests to
// reduce boilerplate: run histories, scripted models and a tool provider
// with injectable failures. They are not intended for production usage.
package testutil
