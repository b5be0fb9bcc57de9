package main

import (
	"context"
	"fmt"
	"time"

	letti "github.com/lettiapp/letti-go"
	"github.com/spf13/cobra"
)

var (
	propsPage     int
	propsLimit    int
	propsCity     string
	propsMinPrice float64
	propsMaxPrice float64
	propsBedrooms int
)

func init() {
	rootCmd.AddCommand(propertiesCmd)
	propertiesCmd.AddCommand(propertiesListCmd)
	propertiesCmd.AddCommand(propertiesGetCmd)

	propertiesListCmd.Flags().IntVar(&propsPage, "page", 1, "page number")
	propertiesListCmd.Flags().IntVar(&propsLimit, "limit", 20, "results per page")
	propertiesListCmd.Flags().StringVar(&propsCity, "city", "", "filter by city")
	propertiesListCmd.Flags().Float64Var(&propsMinPrice, "min-price", 0, "minimum price per night")
	propertiesListCmd.Flags().Float64Var(&propsMaxPrice, "max-price", 0, "maximum price per night")
	propertiesListCmd.Flags().IntVar(&propsBedrooms, "bedrooms", 0, "minimum bedrooms")
}

var propertiesCmd = &cobra.Command{
	Use:   "properties",
	Short: "Browse property listings",
}

var propertiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List property listings",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		var filter *letti.PropertyFilter
		if propsCity != "" || propsMinPrice > 0 || propsMaxPrice > 0 || propsBedrooms > 0 {
			filter = &letti.PropertyFilter{
				City:     propsCity,
				MinPrice: propsMinPrice,
				MaxPrice: propsMaxPrice,
				Bedrooms: propsBedrooms,
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		props, err := client.Properties.List(ctx, letti.Page{Page: propsPage, Limit: propsLimit}, filter)
		if err != nil {
			return fmt.Errorf("failed to list properties: %w", err)
		}

		if len(props) == 0 {
			fmt.Println("No properties found.")
			return nil
		}
		for _, p := range props {
			fmt.Printf("%-24s  %-20s  %8.2f/night  %d bd  %s\n",
				p.ID, p.City, p.PricePerNight, p.Bedrooms, p.Title)
		}
		return nil
	},
}

var propertiesGetCmd = &cobra.Command{
	Use:   "get <property-id>",
	Short: "Show one property",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		p, err := client.Properties.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to fetch property: %w", err)
		}

		fmt.Printf("Title:    %s\n", p.Title)
		fmt.Printf("City:     %s\n", p.City)
		fmt.Printf("Price:    %.2f/night\n", p.PricePerNight)
		fmt.Printf("Bedrooms: %d\n", p.Bedrooms)
		fmt.Printf("Landlord: %s\n", p.LandlordID)
		if p.Status != "" {
			fmt.Printf("Status:   %s\n", p.Status)
		}
		if p.Description != "" {
			fmt.Printf("\n%s\n", p.Description)
		}
		return nil
	},
}
