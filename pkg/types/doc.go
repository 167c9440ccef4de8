/*
Package types defines the core data structures shared by the scheduling
core: job and task configuration, the scheduled-task lifecycle record, host
attributes, constraints, quota, and rolling-update bookkeeping.

These types are intentionally plain structs with string-enum constants
rather than generated wire types — the codec that would serialize them onto
the cluster-manager wire is an external collaborator referenced only by
pkg/ports.Codec.
*/
package types
