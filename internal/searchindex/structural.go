package searchindex

import (
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
	"sync"
)

// structuralFacts is what the structural index records per document:
// its defined symbols, referenced symbols, and imported modules.
// Parsing is best-effort — a file that fails to parse is treated as
// plain text with no structural facts, never an error.
type structuralFacts struct {
	Defined    []string
	Referenced []string
	Imports    []string
}

type structuralIndex struct {
	mu      sync.RWMutex
	facts   map[string]structuralFacts
	byImport map[string]map[string]struct{} // imported module -> doc IDs importing it
	bySymbol map[string]map[string]struct{} // defined symbol -> doc IDs defining it
}

func newStructuralIndex() *structuralIndex {
	return &structuralIndex{
		facts:    make(map[string]structuralFacts),
		byImport: make(map[string]map[string]struct{}),
		bySymbol: make(map[string]map[string]struct{}),
	}
}

// extract parses body as Go source. It only requires the repository's
// own dominant language (Go) at minimum, per spec; any other language
// degrades to zero structural facts rather than an error.
func extractStructuralFacts(body string) structuralFacts {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "", body, parser.ParseComments)
	if err != nil {
		return structuralFacts{}
	}

	var facts structuralFacts
	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		facts.Imports = append(facts.Imports, path)
	}

	ast.Inspect(file, func(n ast.Node) bool {
		switch decl := n.(type) {
		case *ast.FuncDecl:
			facts.Defined = append(facts.Defined, decl.Name.Name)
		case *ast.TypeSpec:
			facts.Defined = append(facts.Defined, decl.Name.Name)
		case *ast.Ident:
			if decl.Obj == nil {
				facts.Referenced = append(facts.Referenced, decl.Name)
			}
		}
		return true
	})
	return facts
}

func (s *structuralIndex) add(docID string, body string) {
	facts := extractStructuralFacts(body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(docID)
	s.facts[docID] = facts

	for _, imp := range facts.Imports {
		if s.byImport[imp] == nil {
			s.byImport[imp] = make(map[string]struct{})
		}
		s.byImport[imp][docID] = struct{}{}
	}
	for _, sym := range facts.Defined {
		if s.bySymbol[sym] == nil {
			s.bySymbol[sym] = make(map[string]struct{})
		}
		s.bySymbol[sym][docID] = struct{}{}
	}
}

func (s *structuralIndex) removeLocked(docID string) {
	facts, ok := s.facts[docID]
	if !ok {
		return
	}
	for _, imp := range facts.Imports {
		delete(s.byImport[imp], docID)
	}
	for _, sym := range facts.Defined {
		delete(s.bySymbol[sym], docID)
	}
	delete(s.facts, docID)
}

func (s *structuralIndex) Remove(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(docID)
}

func (s *structuralIndex) docsImporting(module string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id := range s.byImport[module] {
		ids = append(ids, id)
	}
	return ids
}

func (s *structuralIndex) docsDefining(symbol string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id := range s.bySymbol[symbol] {
		ids = append(ids, id)
	}
	return ids
}
