package memory

// Applicable returns the memories that summarise part of the branch made of the messages in
// onPath. A memory applies when its last covered message is on the branch; the tree is
// append-only, so every message it covers is then on the branch too. Memories written on
// another branch never count as coverage here.
func Applicable(mems []Memory, onPath map[string]bool) []Memory {
	var out []Memory
	for _, mem := range mems {
		if onPath[mem.EndMessageID] {
			out = append(out, mem)
		}
	}
	return out
}

// Covers reports whether seq falls inside one of mems.
func Covers(mems []Memory, seq int64) bool {
	for _, mem := range mems {
		if seq >= mem.StartSeq && seq <= mem.EndSeq {
			return true
		}
	}
	return false
}

func overlaps(mems []Memory, rng Range) bool {
	for _, mem := range mems {
		if rng.Start <= mem.EndSeq && mem.StartSeq <= rng.End {
			return true
		}
	}
	return false
}

func pathSet(turns []Turn) map[string]bool {
	out := make(map[string]bool, len(turns))
	for _, t := range turns {
		out[t.MessageID] = true
	}
	return out
}
