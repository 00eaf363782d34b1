// seed-admin creates a plant with its first admin user, or assigns a role to
// an existing user.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/seed-admin -plant-name="Plant A" -email=qa@plant-a.test -full-name="QA Lead"
//
//	go run ./cmd/seed-admin -assign -user-id=7 -plant-id=<uuid> -role=qa
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"bitbucket.org/mmdatafocus/tc_backend/models"
)

func main() {
	plantName := flag.String("plant-name", "", "Plant name (seed mode)")
	plantLocation := flag.String("plant-location", "", "Plant location (seed mode)")
	email := flag.String("email", "", "Admin email (seed mode)")
	fullName := flag.String("full-name", "", "Admin full name (seed mode)")
	assign := flag.Bool("assign", false, "Assign a role to an existing user instead of seeding")
	userID := flag.Int("user-id", 0, "User id (assign mode)")
	plantID := flag.String("plant-id", "", "Plant id (assign mode)")
	role := flag.String("role", "", "Role: admin, qa or store (assign mode)")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	if *assign {
		if *userID <= 0 || strings.TrimSpace(*plantID) == "" {
			fmt.Fprintln(os.Stderr, "-user-id and -plant-id are required with -assign")
			os.Exit(2)
		}
		if _, err := models.GetPlant(ctx, strings.TrimSpace(*plantID)); err != nil {
			fmt.Fprintf(os.Stderr, "plant lookup: %v\n", err)
			os.Exit(1)
		}
		if err := models.AssignUserRole(ctx, *userID, strings.TrimSpace(*plantID), models.RoleName(*role)); err != nil {
			fmt.Fprintf(os.Stderr, "failed to assign role: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Assigned role %q in plant %s to user %d\n", *role, *plantID, *userID)
		return
	}

	plant, user, err := models.SeedPlantAdmin(ctx, &models.NewPlantAdmin{
		PlantName:     *plantName,
		PlantLocation: *plantLocation,
		Email:         *email,
		FullName:      *fullName,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed plant admin: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Created plant %q (id=%s) with admin user id=%d (%s)\n", plant.Name, plant.ID, user.ID, user.Email)
	fmt.Printf("Send header X-User-Id: %d to act as this admin.\n", user.ID)
}
