// Package application provides application initialization and dependency wiring.
// It builds the session store, session manager, connector registry, renderers,
// metrics, handlers, routers and HTTP server, keeping the main package focused
// on CLI parsing and orchestration.
package application
