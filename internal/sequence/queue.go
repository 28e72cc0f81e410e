package sequence

import (
	"math/rand"

	"github.com/hyakulive/hyakulive/internal/protocol"
)

// BuildLocalQueue constructs a reading sequence from the current board:
// every unclaimed slot in original slot order, plus up to DecoyCount letters
// drawn without replacement from the universe minus the board's letters,
// shuffled together once. Best effort only; the server-issued queue is the
// authoritative order for networked play.
func BuildLocalQueue(rng *rand.Rand, letters []int, owners []string) []protocol.Call {
	present := make(map[int]bool, len(letters))
	for _, lt := range letters {
		present[lt] = true
	}

	queue := make([]protocol.Call, 0, len(letters)+protocol.DecoyCount)
	for i, lt := range letters {
		if i < len(owners) && owners[i] != "" {
			continue
		}
		pos := i
		queue = append(queue, protocol.Call{CardPos: &pos, Letter: lt})
	}

	pool := make([]int, 0, protocol.LetterUniverse)
	for v := 0; v < protocol.LetterUniverse; v++ {
		if !present[v] {
			pool = append(pool, v)
		}
	}
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	decoys := protocol.DecoyCount
	if decoys > len(pool) {
		decoys = len(pool)
	}
	for _, v := range pool[:decoys] {
		queue = append(queue, protocol.Call{CardPos: nil, Letter: v})
	}

	rng.Shuffle(len(queue), func(i, j int) { queue[i], queue[j] = queue[j], queue[i] })
	return queue
}
