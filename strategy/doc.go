// Package strategy plugs collaborative peer-to-peer training into a trainer.
// The strategy owns a peer handle started at construction, lazily builds the
// collaborative optimizer on the first training batch (the per-process batch
// size may only be inferable from data), swaps it into the trainer's
// optimizer list and throttles learning-rate schedulers to the run's global
// step.
//
// # Lifecycle
//
// New starts the peer handle and joins the initial peers, taken from the
// configuration or from the SWARM_INITIAL_PEERS environment variable. Setup
// moves the module to the resolved device and installs the gradient scaler
// at half precision. The first OnTrainBatchStart infers the batch size and
// performs the one-time optimizer construction. Teardown restores the
// zero-grad hook, shuts the optimizer down and then the peer handle.
//
// # Collectives
//
// Reduce, AllGather and Broadcast return their input unchanged and Barrier
// does nothing: the averaging protocol synchronizes peers out of band, so
// blocking here would duplicate coordination the optimizer already does.
//
// # Topology
//
// Every peer reports global rank zero. The run has no centrally ranked
// topology; the value means "no rank concept applies", not that each process
// is the primary one.
package strategy
