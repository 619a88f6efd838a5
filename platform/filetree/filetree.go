// Package filetree inspects uploaded design archives, producing the file tree
// snapshot stored on each project version and detecting which EDA tool the
// design was authored with.
package filetree

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
)

const (
	ToolKicad   = "kicad"
	ToolAltium  = "altium"
	ToolEagle   = "eagle"
	ToolGerber  = "gerber"
	ToolUnknown = "unknown"
)

type Node struct {
	Name        string  `json:"name"`
	Path        string  `json:"path"`
	IsDirectory bool    `json:"is_directory"`
	SizeBytes   int64   `json:"size_bytes"`
	FileType    string  `json:"file_type,omitempty"`
	Children    []*Node `json:"children,omitempty"`
}

type Snapshot struct {
	Root           *Node
	EdaTool        string
	FileCount      int
	TotalSizeBytes int64
}

var kicadExts = map[string]bool{
	".kicad_pcb": true, ".kicad_sch": true, ".kicad_pro": true,
	".kicad_mod": true, ".kicad_sym": true,
}

var altiumExts = map[string]bool{
	".pcbdoc": true, ".schdoc": true, ".prjpcb": true,
	".schlib": true, ".pcblib": true,
}

var eagleExts = map[string]bool{
	".brd": true, ".lbr": true,
}

var gerberExts = map[string]bool{
	".gbr": true, ".ger": true, ".pho": true,
	".gtl": true, ".gbl": true, ".gts": true, ".gbs": true,
	".gto": true, ".gbo": true, ".gtp": true, ".gbp": true,
	".gm1": true, ".gko": true,
	".drl": true, ".xln": true, ".exc": true,
}

func fileType(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	switch {
	case ext == ".kicad_pcb" || ext == ".pcbdoc" || ext == ".brd":
		return "pcb_layout"
	case ext == ".kicad_sch" || ext == ".schdoc" || ext == ".sch":
		return "schematic"
	case ext == ".drl" || ext == ".xln" || ext == ".exc":
		return "drill"
	case gerberExts[ext]:
		return "gerber"
	case ext == ".csv" || ext == ".xlsx" || ext == ".xls":
		return "bom"
	case ext == ".net" || ext == ".ipc" || ext == ".d356":
		return "netlist"
	case ext == ".step" || ext == ".stp":
		return "mcad"
	case kicadExts[ext] || altiumExts[ext] || eagleExts[ext]:
		return "design_support"
	default:
		return "other"
	}
}

func toolVote(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	switch {
	case kicadExts[ext]:
		return ToolKicad
	case altiumExts[ext]:
		return ToolAltium
	case eagleExts[ext]:
		return ToolEagle
	case gerberExts[ext]:
		return ToolGerber
	default:
		return ToolUnknown
	}
}

// skip filters dotfiles, hidden directories, and archive junk like __MACOSX.
func skip(name string) bool {
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") || strings.HasPrefix(part, "__") {
			return true
		}
	}
	return false
}

// Inspect builds a file tree snapshot from an uploaded archive. Non-zip
// uploads are treated as a single-file design.
func Inspect(filename string, data []byte) (Snapshot, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return singleFileSnapshot(filename, int64(len(data))), nil
	}

	root := &Node{Name: strings.TrimSuffix(filename, path.Ext(filename)), Path: "", IsDirectory: true}
	votes := map[string]int{}
	fileCount := 0
	var totalSize int64

	for _, file := range reader.File {
		name := strings.TrimPrefix(file.Name, "/")
		if name == "" || strings.HasSuffix(file.Name, "/") || skip(name) {
			continue
		}
		if strings.Contains(name, "..") {
			return Snapshot{}, fmt.Errorf("archive contains invalid path %v", name)
		}

		size := int64(file.UncompressedSize64)
		insert(root, strings.Split(name, "/"), name, size)
		fileCount++
		totalSize += size

		if tool := toolVote(name); tool != ToolUnknown {
			votes[tool]++
		}
	}

	if fileCount == 0 {
		return Snapshot{}, fmt.Errorf("archive %v contains no files", filename)
	}

	sortTree(root)
	root.SizeBytes = totalSize

	return Snapshot{
		Root:           root,
		EdaTool:        majority(votes),
		FileCount:      fileCount,
		TotalSizeBytes: totalSize,
	}, nil
}

func singleFileSnapshot(filename string, size int64) Snapshot {
	node := &Node{
		Name:      filename,
		Path:      filename,
		SizeBytes: size,
		FileType:  fileType(filename),
	}
	root := &Node{
		Name:        strings.TrimSuffix(filename, path.Ext(filename)),
		Path:        "",
		IsDirectory: true,
		SizeBytes:   size,
		Children:    []*Node{node},
	}
	return Snapshot{Root: root, EdaTool: toolVote(filename), FileCount: 1, TotalSizeBytes: size}
}

func insert(root *Node, parts []string, fullPath string, size int64) {
	node := root
	for i, part := range parts {
		last := i == len(parts)-1
		childPath := strings.Join(parts[:i+1], "/")

		var child *Node
		for _, c := range node.Children {
			if c.Name == part {
				child = c
				break
			}
		}
		if child == nil {
			child = &Node{Name: part, Path: childPath, IsDirectory: !last}
			node.Children = append(node.Children, child)
		}

		if last {
			child.SizeBytes = size
			child.FileType = fileType(part)
		} else {
			child.SizeBytes += size
		}
		node = child
	}
}

// sortTree orders children, directories first then by name, so that the stored
// snapshot is deterministic regardless of archive entry order.
func sortTree(node *Node) {
	sort.Slice(node.Children, func(i, j int) bool {
		a, b := node.Children[i], node.Children[j]
		if a.IsDirectory != b.IsDirectory {
			return a.IsDirectory
		}
		return a.Name < b.Name
	})
	for _, child := range node.Children {
		sortTree(child)
	}
}

func majority(votes map[string]int) string {
	best, bestCount := ToolUnknown, 0
	tools := make([]string, 0, len(votes))
	for tool := range votes {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	for _, tool := range tools {
		if votes[tool] > bestCount {
			best, bestCount = tool, votes[tool]
		}
	}
	return best
}

func (s Snapshot) ToJson() (string, error) {
	data, err := json.Marshal(s.Root)
	if err != nil {
		return "", fmt.Errorf("error serializing file tree: %w", err)
	}
	return string(data), nil
}

func FromJson(treeJson string) (*Node, error) {
	if treeJson == "" {
		return nil, fmt.Errorf("no file tree recorded")
	}
	var root Node
	if err := json.Unmarshal([]byte(treeJson), &root); err != nil {
		return nil, fmt.Errorf("error parsing file tree: %w", err)
	}
	return &root, nil
}

// ContainsPath reports whether the given file path exists in the tree.
func ContainsPath(root *Node, filePath string) bool {
	if root == nil {
		return false
	}
	if !root.IsDirectory && root.Path == filePath {
		return true
	}
	for _, child := range root.Children {
		if ContainsPath(child, filePath) {
			return true
		}
	}
	return false
}
