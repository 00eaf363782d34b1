package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"bitbucket.org/mmdatafocus/tc_backend/models"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
)

// heat-ledger-verify checks every heat's available quantity against its
// movements and exits 3 when any plant is out of balance.
//
// Example:
//
//	go run ./cmd/heat-ledger-verify/ -plant-id=a195a02a-ee0c-4047-a6f4-443633d0aca4
//	go run ./cmd/heat-ledger-verify/            # all plants
func main() {
	plantID := flag.String("plant-id", "", "Plant id (uuid); empty checks every plant")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	ctx := utils.SetSkipTenantScopeInContext(context.Background(), true)

	plants := []string{strings.TrimSpace(*plantID)}
	if plants[0] == "" {
		plants = nil
		if err := db.WithContext(ctx).Model(&models.Plant{}).Order("id").Pluck("id", &plants).Error; err != nil {
			fmt.Fprintf(os.Stderr, "list plants: %v\n", err)
			os.Exit(1)
		}
	}

	unbalanced := 0
	for _, p := range plants {
		mismatches, err := models.VerifyHeatLedger(utils.SetPlantIdInContext(ctx, p), p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "plant %s: %v\n", p, err)
			os.Exit(1)
		}
		if len(mismatches) == 0 {
			fmt.Printf("plant %s: balanced\n", p)
			continue
		}
		unbalanced++
		for _, m := range mismatches {
			fmt.Printf("plant %s heat %d (%s): %s\n", p, m.HeatId, m.HeatNumber, strings.Join(m.Problems, "; "))
		}
	}
	if unbalanced > 0 {
		os.Exit(3)
	}
}
