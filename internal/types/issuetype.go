package types

import "sync"

// IssueType classifies an atom's kind of work. Extensible registry, same
// shape as Status.
type IssueType struct{ name string }

func (t IssueType) String() string     { return t.name }
func (t IssueType) Equal(o IssueType) bool { return t.name == o.name }
func (t IssueType) IsZero() bool       { return t.name == "" }

var (
	TypeBug     = IssueType{"bug"}
	TypeFeature = IssueType{"feature"}
	TypeTask    = IssueType{"task"}
	TypeEpic    = IssueType{"epic"}
	TypeChore   = IssueType{"chore"}
)

var (
	issueTypeRegistryMu sync.RWMutex
	issueTypeRegistry   = map[string]IssueType{
		TypeBug.name:     TypeBug,
		TypeFeature.name: TypeFeature,
		TypeTask.name:    TypeTask,
		TypeEpic.name:    TypeEpic,
		TypeChore.name:   TypeChore,
	}
)

func RegisterIssueType(name string) IssueType {
	issueTypeRegistryMu.Lock()
	defer issueTypeRegistryMu.Unlock()
	t := IssueType{name}
	issueTypeRegistry[name] = t
	return t
}

func ParseIssueType(name string) (IssueType, bool) {
	issueTypeRegistryMu.RLock()
	defer issueTypeRegistryMu.RUnlock()
	t, ok := issueTypeRegistry[name]
	return t, ok
}

func (t IssueType) MarshalJSON() ([]byte, error) { return marshalTagString(t.name) }

func (t *IssueType) UnmarshalJSON(data []byte) error {
	name, err := unmarshalTagString(data)
	if err != nil {
		return err
	}
	if parsed, ok := ParseIssueType(name); ok {
		*t = parsed
		return nil
	}
	*t = RegisterIssueType(name)
	return nil
}

// DependencyType classifies a bond. Same extensible-registry shape.
type DependencyType struct{ name string }

func (d DependencyType) String() string         { return d.name }
func (d DependencyType) Equal(o DependencyType) bool { return d.name == o.name }
func (d DependencyType) IsZero() bool           { return d.name == "" }

var (
	DepBlocks         = DependencyType{"blocks"}
	DepRelated        = DependencyType{"related"}
	DepParentChild    = DependencyType{"parent_child"}
	DepDiscoveredFrom = DependencyType{"discovered_from"}
)

var (
	depTypeRegistryMu sync.RWMutex
	depTypeRegistry   = map[string]DependencyType{
		DepBlocks.name:         DepBlocks,
		DepRelated.name:        DepRelated,
		DepParentChild.name:    DepParentChild,
		DepDiscoveredFrom.name: DepDiscoveredFrom,
	}
)

func RegisterDependencyType(name string) DependencyType {
	depTypeRegistryMu.Lock()
	defer depTypeRegistryMu.Unlock()
	d := DependencyType{name}
	depTypeRegistry[name] = d
	return d
}

func ParseDependencyType(name string) (DependencyType, bool) {
	depTypeRegistryMu.RLock()
	defer depTypeRegistryMu.RUnlock()
	d, ok := depTypeRegistry[name]
	return d, ok
}

func (d DependencyType) MarshalJSON() ([]byte, error) { return marshalTagString(d.name) }

func (d *DependencyType) UnmarshalJSON(data []byte) error {
	name, err := unmarshalTagString(data)
	if err != nil {
		return err
	}
	if parsed, ok := ParseDependencyType(name); ok {
		*d = parsed
		return nil
	}
	*d = RegisterDependencyType(name)
	return nil
}
