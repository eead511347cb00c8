package preflight

// Plan selects the checks Run performs. The target checks only apply to
// local targets.
type Plan struct {
	SourcesAccessible bool
	RootsDisjoint     bool
	TargetAccessible  bool
	TargetWritable    bool
}

// Run performs the checks selected by p. target is the local mirror directory, or "" for
// a remote destination, in which case the target checks are skipped.
func Run(p Plan, sources []string, target string) error {
	if p.SourcesAccessible {
		for _, src := range sources {
			if err := CheckSourceAccessible(src); err != nil {
				return err
			}
		}
	}
	if p.RootsDisjoint {
		if err := CheckRootsDisjoint(sources, target); err != nil {
			return err
		}
	}
	if p.TargetAccessible && target != "" {
		if err := CheckTargetAccessible(target); err != nil {
			return err
		}
	}
	if p.TargetWritable && target != "" {
		if err := CheckTargetWritable(target); err != nil {
			return err
		}
	}
	return nil
}
