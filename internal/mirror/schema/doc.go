// Package schema defines the product records exchanged between the catalog
// server and the on-device mirror.
//
// # Overview
//
// Two shapes of the same product exist:
//
//   - RemoteProduct is what the server returns from GET /api/products.
//     Timestamps are ISO-8601 strings and money may arrive as a JSON number
//     or as a decimal string.
//   - Product is the local mirror record. Timestamps are epoch milliseconds
//     and money is a float64 ready for display and sorting.
//
// RemoteProduct.Normalize converts the first into the second. The conversion
// is the only place server timestamps are interpreted.
//
// Example server payload:
//
//	{
//	  "id": "p1",
//	  "sku": "A1",
//	  "name": "Widget",
//	  "price": 9.99,
//	  "cost": 5,
//	  "stock": 3,
//	  "isActive": true,
//	  "updatedAt": "2024-01-01T00:00:00Z"
//	}
//
// normalizes to a Product with UpdatedAt == 1704067200000.
//
// # Mutations
//
// ProductInput is the body of create and update requests. Validate it before
// sending anything to the server:
//
//	in := schema.ProductInput{SKU: "A1", Name: "Widget", Price: 9.99, IsActive: true}
//	if err := in.Validate(); err != nil {
//	    var verr *schema.ValidationError
//	    if errors.As(err, &verr) {
//	        fmt.Println(verr.Fields["sku"])
//	    }
//	}
package schema
