// Copyright 2020 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Command vgit is a thin wrapper exposing the repo package's programmatic
// API from the shell. It does no work of its own beyond argument parsing
// and output formatting; every operation it offers is a direct call into
// package repo.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"vaultscm.dev/git/githash"
	"vaultscm.dev/git/object"
	"vaultscm.dev/git/refstore"
	"vaultscm.dev/git/repo"
	"vaultscm.dev/git/status"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("vgit: ")
	if len(os.Args) < 2 {
		log.Fatal("usage: vgit <init|add|commit|status> [args]")
	}
	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(os.Args[2:])
	case "add":
		err = runAdd(os.Args[2:])
	case "commit":
		err = runCommit(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	default:
		log.Fatalf("unknown command %q", os.Args[1])
	}
	if err != nil {
		log.Fatal(err)
	}
}

func openHere() (*repo.Repository, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return repo.Open(dir+"/.git", dir), nil
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	bare := fs.Bool("bare", false, "create a bare repository")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dir := "."
	if fs.NArg() > 0 {
		dir = fs.Arg(0)
	}
	if _, err := repo.Init(dir, *bare); err != nil {
		return err
	}
	fmt.Println("initialized repository at", dir)
	return nil
}

func runAdd(args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	r, err := openHere()
	if err != nil {
		return err
	}
	idx, err := r.ReadIndex()
	if err != nil {
		return err
	}
	for _, path := range fs.Args() {
		if err := r.AddPath(idx, path); err != nil {
			return err
		}
	}
	return r.WriteIndex(idx)
}

func runCommit(args []string) error {
	fs := flag.NewFlagSet("commit", flag.ExitOnError)
	message := fs.String("m", "", "commit message")
	authorName := fs.String("author-name", "vgit", "commit author name")
	authorEmail := fs.String("author-email", "vgit@localhost", "commit author email")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *message == "" {
		return fmt.Errorf("commit: -m is required")
	}
	r, err := openHere()
	if err != nil {
		return err
	}
	idx, err := r.ReadIndex()
	if err != nil {
		return err
	}
	treeID, err := r.IndexToTree(idx)
	if err != nil {
		return err
	}
	author, err := object.MakeUser(*authorName, *authorEmail)
	if err != nil {
		return err
	}
	var parents []githash.SHA1
	if head, err := r.ResolveRef(githash.Head.String()); err == nil {
		parents = append(parents, head)
	}
	now := time.Now()
	commit := &object.Commit{
		Tree:       treeID,
		Parents:    parents,
		Author:     author,
		AuthorTime: now,
		Committer:  author,
		CommitTime: now,
		Message:    *message + "\n",
	}
	commitID, err := r.WriteCommit(commit)
	if err != nil {
		return err
	}
	// A bare minimal CLI doesn't support detached HEAD or branch switching;
	// commit always advances the default branch HEAD was set to at Init.
	branch, ok := githash.ExpandRef(repo.DefaultBranch)
	if !ok {
		return fmt.Errorf("commit: could not expand default branch name %q", repo.DefaultBranch)
	}
	if err := r.UpdateRef(branch.String(), refstore.HashTarget(commitID)); err != nil {
		return err
	}
	fmt.Println(commitID)
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	r, err := openHere()
	if err != nil {
		return err
	}
	idx, err := r.ReadIndex()
	if err != nil {
		return err
	}
	entries, err := r.Status(idx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s %s\n", statusLabel(e.Code), e.Path)
	}
	return nil
}

func statusLabel(c status.Code) string {
	switch c {
	case status.Removed:
		return "removed  "
	case status.Modified:
		return "modified "
	case status.Untracked:
		return "untracked"
	case status.StagedRemoved:
		return "staged-rm"
	case status.StagedModified:
		return "staged-md"
	case status.StagedAdded:
		return "staged-ad"
	default:
		return "?"
	}
}
