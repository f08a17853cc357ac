package main

import (
	"context"
	"log"

	pgmig "github.com/clickup/pg-mig"
)

func main() {
	ctx := context.Background()

	hosts, err := pgmig.ParseHosts("db1,db2:6432")
	if err != nil {
		log.Fatal(err)
	}

	o, err := pgmig.New(pgmig.Config{
		MigDir: "./migrations",
		Hosts:  hosts,
		User:   "postgres",
		Pass:   "admin",
		DB:     "app",
	})
	if err != nil {
		log.Fatal(err)
	}
	defer o.Close()

	if err := o.Apply(ctx); err != nil {
		log.Fatal(err)
	}
}
