package tool

// MaxDescriptionLength is the longest description, in code points, that an
// optimized descriptor carries. Longer descriptions are sliced with no
// ellipsis.
const MaxDescriptionLength = 50

// Optimize returns a copy of the descriptor with every description (on the
// tool, on the root schema, and recursively on every schema node) truncated
// to at most MaxDescriptionLength code points, and with the "default" and
// "examples" keys removed from every schema node. All other keys and array
// ordering are preserved. Non-string description values are left unchanged.
// The input descriptor is not mutated.
func Optimize(d Descriptor) Descriptor {
	out := d.Clone()
	out.Description = truncate(out.Description)
	if out.InputSchema != nil {
		optimizeNode(out.InputSchema)
	}
	return out
}

// optimizeNode rewrites a schema node in place. The node was produced by
// Clone so in-place mutation never touches the caller's tree.
func optimizeNode(node map[string]interface{}) {
	delete(node, "default")
	delete(node, "examples")

	if desc, ok := node["description"].(string); ok {
		node["description"] = truncate(desc)
	}

	for _, v := range node {
		optimizeValue(v)
	}
}

func optimizeValue(v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		optimizeNode(t)
	case []interface{}:
		for _, e := range t {
			optimizeValue(e)
		}
	}
}

// truncate slices s to MaxDescriptionLength code points, not bytes.
func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxDescriptionLength {
		return s
	}
	return string(runes[:MaxDescriptionLength])
}
