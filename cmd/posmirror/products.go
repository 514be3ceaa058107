package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shopfront/posmirror/internal/catalog"
	"github.com/shopfront/posmirror/internal/listing"
	"github.com/shopfront/posmirror/internal/mirror/schema"
	mirrorsync "github.com/shopfront/posmirror/internal/mirror/sync"
	"github.com/shopfront/posmirror/internal/ui"
)

var productsCmd = &cobra.Command{
	Use:     "products",
	Aliases: []string{"product", "p"},
	GroupID: "catalog",
	Short:   "List, inspect and edit products",
}

var productsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List products from the local mirror",
	Long: `Pull the catalog from the server into the local mirror, then list it.

If the pull fails the last mirrored data is shown with a warning. Use
--offline to skip the pull entirely.

Examples:
  posmirror products list
  posmirror products list --search coffee --sort price --desc
  posmirror products list --sort margin --page 2 --per-page 20`,
	Args: cobra.NoArgs,
	RunE: runProductsList,
}

var productsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one mirrored product",
	Long: `Show one product from the local mirror.

With --remote the product is read from the server instead, which shows
changes the mirror has not picked up yet and products the server no longer
lists.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fromRemote, _ := cmd.Flags().GetBool("remote")
		if fromRemote && !cfg.HasRemote() {
			return errors.New("no server configured (set remote.base_url or --server)")
		}

		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if !fromRemote {
			p, err := a.service.Product(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Print(ui.ProductDetail(p))
			return nil
		}

		rp, err := a.client.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		p, err := rp.Normalize()
		if err != nil {
			return fmt.Errorf("server returned an invalid product: %w", err)
		}
		fmt.Printf("%s\n", ui.RenderMuted("(from "+a.client.BaseURL()+")"))
		fmt.Print(ui.ProductDetail(p))
		return nil
	},
}

var productsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a product on the server",
	Long: `Create a product on the server, then refresh the local mirror.

Without --sku, or with --interactive, an interactive form is shown.

Examples:
  posmirror products add --sku COF-001 --name "Coffee beans" --price 12.50 --cost 7.25 --stock 40
  posmirror products add -i`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values := ui.NewFormValues(schema.NewProductInput())
		applyProductFlags(cmd.Flags(), values)

		interactive, _ := cmd.Flags().GetBool("interactive")
		if !cmd.Flags().Changed("sku") && ui.IsTerminal(os.Stdin) {
			interactive = true
		}

		in, err := productInput(values, "New product", interactive)
		if err != nil {
			return err
		}

		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.service.Create(cmd.Context(), in)
		if err := reportMutation(res, err); err != nil {
			return err
		}
		fmt.Printf("%s Created %s\n", ui.RenderPass("✓"), productLabel(res, in.SKU))
		return nil
	},
}

var productsEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Update a product on the server",
	Long: `Update a product on the server, then refresh the local mirror.

The current mirrored values are the starting point; only the flags given
are changed. With --interactive the form is pre-filled with them.

Examples:
  posmirror products edit 3f2a... --stock 0
  posmirror products edit 3f2a... -i`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		current, err := a.service.Product(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		values := ui.NewFormValues(schema.InputFromProduct(current))
		applyProductFlags(cmd.Flags(), values)

		interactive, _ := cmd.Flags().GetBool("interactive")
		in, err := productInput(values, "Edit "+current.SKU, interactive)
		if err != nil {
			return err
		}

		res, err := a.service.Update(cmd.Context(), args[0], in)
		if err := reportMutation(res, err); err != nil {
			return err
		}
		fmt.Printf("%s Updated %s\n", ui.RenderPass("✓"), productLabel(res, in.SKU))
		return nil
	},
}

var productsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Deactivate a product on the server",
	Long: `Deactivate a product on the server, then refresh the local mirror.

The server keeps the record and marks it inactive. The mirrored copy stays
until the mirror is cleared.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes && ui.IsTerminal(os.Stdin) {
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Deactivate product %s?", args[0])).
				Affirmative("Deactivate").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil || !confirmed {
				fmt.Println("Cancelled")
				return nil
			}
		}

		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.service.Delete(cmd.Context(), args[0])
		if err := reportMutation(res, err); err != nil {
			return err
		}
		fmt.Printf("%s Deactivated %s\n", ui.RenderPass("✓"), args[0])
		return nil
	},
}

var productsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export products as CSV, JSON or YAML",
	Long: `Pull the catalog, then write every matching product to a file or stdout.

CSV columns: SKU, Name, Price, Cost, Profit, Margin %, Stock, Status.

When --output names a directory the file is written there as
products.<format>.

Examples:
  posmirror products export > products.csv
  posmirror products export --format yaml --output catalog.yaml
  posmirror products export --format json --active --output ./reports`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		formatName, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		if formatName == "" && output != "" && !isDir(output) {
			formatName = filepath.Ext(output)
			if len(formatName) > 0 {
				formatName = formatName[1:]
			}
		}
		format, err := listing.ParseFormat(formatName)
		if err != nil {
			return err
		}

		q, err := listQuery(cmd.Flags())
		if err != nil {
			return err
		}

		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		products, stale, err := loadProducts(cmd.Context(), a, cmd.Flags())
		if err != nil {
			return err
		}
		if stale != nil {
			warnStale(stale)
		}

		products = listing.Filter(products, q.Search)
		if q.ActiveOnly {
			products = activeOnly(products)
		}
		listing.Sort(products, q.Sort, q.Desc)

		summary := listing.Summarize(products)
		if output == "" || output == "-" {
			if err := listing.Export(os.Stdout, format, products); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, ui.RenderMuted(summary.String()))
			return nil
		}
		if isDir(output) {
			output = filepath.Join(output, "products."+format.Extension())
		}

		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", output, err)
		}
		if err := listing.Export(f, format, products); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s Exported %d products to %s\n", ui.RenderPass("✓"), len(products), output)
		fmt.Fprintln(os.Stderr, ui.RenderMuted(summary.String()))
		return nil
	},
}

func runProductsList(cmd *cobra.Command, args []string) error {
	q, err := listQuery(cmd.Flags())
	if err != nil {
		return err
	}

	a, err := openApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	products, stale, err := loadProducts(cmd.Context(), a, cmd.Flags())
	if err != nil {
		return err
	}
	if stale != nil {
		warnStale(stale)
	}

	page := listing.Apply(products, q)
	fmt.Println(ui.ProductTable(page.Items))
	fmt.Println(ui.PageFooter(page))
	if page.Total > 0 {
		matched := listing.Filter(products, q.Search)
		if q.ActiveOnly {
			matched = activeOnly(matched)
		}
		fmt.Println(ui.RenderMuted(listing.Summarize(matched).String()))
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// loadProducts reads the mirror, pulling first unless --offline is set.
// The returned error is non-nil only when the mirror itself is unreadable;
// stale carries a failed pull.
func loadProducts(ctx context.Context, a *app, flags *pflag.FlagSet) (products []*schema.Product, stale error, err error) {
	offline, _ := flags.GetBool("offline")
	if offline {
		products, err = a.service.Cached(ctx)
		return products, nil, err
	}

	snap, err := a.service.LoadSnapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	if snap.Stale {
		stale = snap.SyncErr
		if stale == nil {
			stale = errors.New("sync failed")
		}
	}
	return snap.Products, stale, nil
}

func warnStale(err error) {
	if errors.Is(err, mirrorsync.ErrRecordsSkipped) {
		fmt.Fprintf(os.Stderr, "%s Sync incomplete, some products may be out of date: %v\n", ui.RenderWarn("⚠"), err)
		return
	}
	fmt.Fprintf(os.Stderr, "%s Sync failed, showing cached data: %v\n", ui.RenderWarn("⚠"), err)
}

func activeOnly(products []*schema.Product) []*schema.Product {
	out := products[:0:0]
	for _, p := range products {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out
}

func listQuery(flags *pflag.FlagSet) (listing.Query, error) {
	search, _ := flags.GetString("search")
	sortName, _ := flags.GetString("sort")
	desc, _ := flags.GetBool("desc")
	active, _ := flags.GetBool("active")

	field, err := listing.ParseSortField(sortName)
	if err != nil {
		return listing.Query{}, err
	}

	q := listing.Query{Search: search, Sort: field, Desc: desc, ActiveOnly: active}
	if flags.Lookup("page") != nil {
		q.Page, _ = flags.GetInt("page")
		q.PerPage, _ = flags.GetInt("per-page")
	}
	return q, nil
}

// applyProductFlags overwrites form values with the flags that were given.
func applyProductFlags(flags *pflag.FlagSet, v *ui.FormValues) {
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	str("sku", &v.SKU)
	str("name", &v.Name)
	str("price", &v.Price)
	str("cost", &v.Cost)
	str("stock", &v.Stock)
	str("description", &v.Description)
	str("category", &v.Category)
	str("image-url", &v.ImageURL)

	if flags.Changed("inactive") {
		inactive, _ := flags.GetBool("inactive")
		v.Active = !inactive
	}
}

func productInput(values *ui.FormValues, title string, interactive bool) (schema.ProductInput, error) {
	if interactive {
		in, err := values.Input()
		if err != nil {
			// Let the form correct it.
			in = schema.NewProductInput()
		}
		return ui.RunProductForm(title, mergeInput(in, values), !ui.IsTerminal(os.Stdout))
	}

	in, err := values.Input()
	if err != nil {
		return schema.ProductInput{}, err
	}
	if err := in.Validate(); err != nil {
		return schema.ProductInput{}, err
	}
	return in, nil
}

// mergeInput keeps the text fields typed on the command line even when a
// number failed to parse.
func mergeInput(in schema.ProductInput, v *ui.FormValues) schema.ProductInput {
	in.SKU = v.SKU
	in.Name = v.Name
	in.IsActive = v.Active
	in.Description = v.Description
	in.Category = v.Category
	in.ImageURL = v.ImageURL
	return in
}

// reportMutation turns a write outcome into the command's error. A write
// that reached the server but whose reload failed is reported as a warning.
func reportMutation(res *catalog.MutationResult, err error) error {
	if err == nil {
		return nil
	}
	if res != nil {
		fmt.Fprintf(os.Stderr, "%s Saved on the server, but the mirror was not refreshed: %v\n", ui.RenderWarn("⚠"), err)
		return nil
	}

	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		return fmt.Errorf("invalid product: %w", err)
	}
	return err
}

// productLabel names the written product as "SKU (id)".
func productLabel(res *catalog.MutationResult, fallback string) string {
	if res == nil || res.Product == nil {
		return fallback
	}
	return fmt.Sprintf("%s (%s)", res.Product.SKU, res.Product.ID)
}

func addListFlags(cmd *cobra.Command, paginate bool) {
	cmd.Flags().StringP("search", "s", "", "Case-insensitive match on name or SKU")
	cmd.Flags().String("sort", "name", "Sort by name, sku, price, margin or stock")
	cmd.Flags().Bool("desc", false, "Sort descending")
	cmd.Flags().Bool("active", false, "Only active products")
	cmd.Flags().Bool("offline", false, "Read the mirror without pulling from the server")
	if paginate {
		cmd.Flags().Int("page", 1, "Page number")
		cmd.Flags().Int("per-page", listing.DefaultPerPage, "Products per page")
	}
}

func addProductFlags(cmd *cobra.Command) {
	cmd.Flags().String("sku", "", "Stock keeping unit")
	cmd.Flags().String("name", "", "Product name")
	cmd.Flags().String("price", "", "Sale price")
	cmd.Flags().String("cost", "", "Unit cost")
	cmd.Flags().String("stock", "", "Units in stock")
	cmd.Flags().Bool("inactive", false, "Mark the product inactive")
	cmd.Flags().String("description", "", "Description")
	cmd.Flags().String("category", "", "Category")
	cmd.Flags().String("image-url", "", "Image URL")
	cmd.Flags().BoolP("interactive", "i", false, "Fill in the product with a form")
}

func init() {
	addListFlags(productsListCmd, true)
	addListFlags(productsExportCmd, false)
	productsExportCmd.Flags().StringP("format", "f", "", "csv, json or yaml (default from --output extension, else csv)")
	productsExportCmd.Flags().StringP("output", "o", "", "Output file or directory (default stdout)")

	addProductFlags(productsAddCmd)
	addProductFlags(productsEditCmd)
	productsDeleteCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	productsShowCmd.Flags().Bool("remote", false, "Read the product from the server instead of the mirror")

	productsCmd.AddCommand(productsListCmd)
	productsCmd.AddCommand(productsShowCmd)
	productsCmd.AddCommand(productsAddCmd)
	productsCmd.AddCommand(productsEditCmd)
	productsCmd.AddCommand(productsDeleteCmd)
	productsCmd.AddCommand(productsExportCmd)
	rootCmd.AddCommand(productsCmd)
}
