package collector

import "github.com/riglabs/peeps/rtdb"

// requestKey identifies one logical RPC call across the two processes
// that see opposite ends of it.
type requestKey struct {
	method    string
	requestID string
}

// Stitch joins outgoing-request nodes in one process to the matching
// incoming-request node in another (C12): for any pair of Request
// entities across *different* dumps sharing (method, request_id), with one
// outgoing and one incoming, it emits an RpcCrossProcessStitch edge
// between their RpcRequest nodes (spec.md §4.10's final paragraph). Call
// Stitch once after Ingest has been run for every process in the cut.
func Stitch(g *Graph, dumps []ProcessDump) {
	type seen struct {
		pid  string
		node NodeID
	}
	outgoing := make(map[requestKey]seen)
	incoming := make(map[requestKey]seen)

	for _, dump := range dumps {
		for _, e := range dump.Entities {
			rb, ok := e.Body.(rtdb.RequestBody)
			if !ok {
				continue
			}
			k := requestKey{method: rb.Method, requestID: rb.RequestID}
			node := nodeForEntity(dump.PID, e)
			if rb.Outgoing {
				outgoing[k] = seen{pid: dump.PID, node: node}
			} else {
				incoming[k] = seen{pid: dump.PID, node: node}
			}
		}
	}

	for k, out := range outgoing {
		in, ok := incoming[k]
		if !ok || in.pid == out.pid {
			continue // same-process loopback calls are not cross-process
		}
		g.addEdge(Edge{Src: out.node, Dst: in.node, Kind: EdgeRpcCrossProcessStitch})
	}
}
