package plan

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/cronicorn/engine/internal/domain"
)

const cycleTestNodeCount = 5

// genAdjacencyBits generates a random directed graph over cycleTestNodeCount
// nodes as a flat slice of 0/1 edge indicators (node i depends on node j
// when bits[i*n+j] == 1), letting gopter explore arbitrary edge
// combinations including ones that fail to form a DAG.
func genAdjacencyBits() gopter.Gen {
	return gen.SliceOfN(cycleTestNodeCount*cycleTestNodeCount, gen.IntRange(0, 1))
}

func endpointsFromAdjacency(bits []int) []domain.PlannedEndpoint {
	ids := make([]string, cycleTestNodeCount)
	for i := range ids {
		ids[i] = fmt.Sprintf("n%d", i)
	}
	endpoints := make([]domain.PlannedEndpoint, cycleTestNodeCount)
	for i := range endpoints {
		var deps []string
		for j := 0; j < cycleTestNodeCount; j++ {
			if i == j {
				continue
			}
			if bits[i*cycleTestNodeCount+j] == 1 {
				deps = append(deps, ids[j])
			}
		}
		endpoints[i] = domain.PlannedEndpoint{EndpointID: ids[i], DependsOn: deps}
	}
	return endpoints
}

func TestBreakCycle_AlwaysYieldsAnAcyclicGraph(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("breakCycle removes edges until no cycle remains, regardless of the starting graph", prop.ForAll(
		func(bits []int) bool {
			endpoints := endpointsFromAdjacency(bits)
			breakCycle(endpoints)
			return findCycleEdge(endpoints) == ""
		},
		genAdjacencyBits(),
	))

	properties.TestingRun(t)
}

func TestBreakCycle_NeverAddsDependencies(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("breakCycle only ever removes DependsOn entries, never adds them", prop.ForAll(
		func(bits []int) bool {
			endpoints := endpointsFromAdjacency(bits)
			before := make(map[string]int, len(endpoints))
			for _, e := range endpoints {
				before[e.EndpointID] = len(e.DependsOn)
			}
			breakCycle(endpoints)
			for _, e := range endpoints {
				if len(e.DependsOn) > before[e.EndpointID] {
					return false
				}
			}
			return true
		},
		genAdjacencyBits(),
	))

	properties.TestingRun(t)
}
