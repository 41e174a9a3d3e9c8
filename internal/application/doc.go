// Package application is the application factory. New initialises logging,
// pins the process to a GPU, creates the HTTP server, registers the route
// collection and binds the NLP processor and service to one instance each.
// Any failure while loading the model aborts start-up.
package application
