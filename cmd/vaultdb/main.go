// cmd/vaultdb/main.go
//
// vaultdb CLI - a thin inspection and maintenance tool over the storage
// engine, standing in for the interactive SQL shell this engine does not
// have: the query language sits above this library, out of scope here.
//
// Usage:
//
//	vaultdb <database-file> <verb> [args...]
//
// Verbs:
//
//	info                 print header fields (end-of-file, free-list heads)
//	alloc <class>        allocate one block of the named class, print its address
//	free <addr>          free the block at addr
//	get <page>           print the first 64 bytes of a page, hex-encoded
//	put <addr> <string>  stage a write of string at addr and commit
//	flush                flush dirty pages to disk
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"vaultdb/pkg/blockalloc"
	"vaultdb/pkg/vaultdb"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: vaultdb <database-file> <verb> [args...]\n")
		os.Exit(1)
	}

	path := os.Args[1]
	verb := os.Args[2]
	args := os.Args[3:]

	db, err := vaultdb.Open(path, vaultdb.OpenAlways, vaultdb.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := run(db, verb, args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(db *vaultdb.DB, verb string, args []string) error {
	switch verb {
	case "info":
		return cmdInfo(db)
	case "alloc":
		return cmdAlloc(db, args)
	case "free":
		return cmdFree(db, args)
	case "get":
		return cmdGet(db, args)
	case "put":
		return cmdPut(db, args)
	case "flush":
		return db.Flush()
	default:
		return fmt.Errorf("unknown verb %q", verb)
	}
}

func cmdInfo(db *vaultdb.DB) error {
	heads := db.FreeListHeads()
	fmt.Printf("end_of_file: %d\n", db.EndOfFile())
	fmt.Printf("free_pg:     %d\n", heads.Get(blockalloc.ClassPage))
	fmt.Printf("free_t1:     %d\n", heads.Get(blockalloc.ClassHalf))
	fmt.Printf("free_t2:     %d\n", heads.Get(blockalloc.ClassQuarter))
	fmt.Printf("free_t3:     %d\n", heads.Get(blockalloc.ClassEighth))
	fmt.Printf("free_t4:     %d\n", heads.Get(blockalloc.ClassSixteenth))
	return nil
}

func cmdAlloc(db *vaultdb.DB, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: alloc <class 0-4>")
	}
	classNum, err := strconv.Atoi(args[0])
	if err != nil || classNum < 0 || classNum > 4 {
		return fmt.Errorf("class must be 0 (page) through 4 (1/16 page)")
	}

	tx, err := db.StartTransaction()
	if err != nil {
		return err
	}
	addr, err := tx.Alloc(blockalloc.Class(classNum))
	if err != nil {
		tx.Abort()
		return err
	}
	if err := tx.Commit(nil); err != nil {
		return err
	}
	fmt.Printf("allocated addr %d\n", addr)
	return nil
}

func cmdFree(db *vaultdb.DB, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: free <addr>")
	}
	addr, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return err
	}

	tx, err := db.StartTransaction()
	if err != nil {
		return err
	}
	if err := tx.Free(addr); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit(nil)
}

func cmdGet(db *vaultdb.DB, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: get <page-number>")
	}
	pageNr, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return err
	}

	ref, err := db.Load(pageNr)
	if err != nil {
		return err
	}
	defer ref.Release()

	fmt.Println(hex.EncodeToString(ref.Bytes()[:64]))
	return nil
}

func cmdPut(db *vaultdb.DB, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: put <addr> <string>")
	}
	addr, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return err
	}

	tx, err := db.StartTransaction()
	if err != nil {
		return err
	}
	if err := tx.StageWrite(addr, []byte(args[1])); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit(nil)
}
